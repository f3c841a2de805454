package relay

import "regexp"

var (
	citationMarker = regexp.MustCompile(`\[ID:\d+\]`)
	citationRun    = regexp.MustCompile(`(ⓘ\s*)+`)
)

// CollapseCitations replaces [ID:n] markers with ⓘ and merges adjacent markers into one.
func CollapseCitations(s string) string {
	s = citationMarker.ReplaceAllString(s, "ⓘ")
	return citationRun.ReplaceAllString(s, "ⓘ")
}
