package ragflow

import "fmt"

// APIError is a RAGFlow envelope with a non-zero code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ragflow api error %d: %s", e.Code, e.Message)
}

// StatusError is a non-2xx HTTP response from RAGFlow.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ragflow returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("ragflow returned HTTP %d: %s", e.StatusCode, e.Body)
}
