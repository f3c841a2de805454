package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var threadID, userID, agentID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a thread's stored history as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return errors.New("--thread is required")
			}
			a, _, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.History.List(cmd.Context(), threadID, userID, agentID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"history": entries})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id")
	cmd.Flags().StringVar(&userID, "user", "cli", "User id")
	cmd.Flags().StringVar(&agentID, "agent", "ragflow", "Agent id")
	return cmd
}
