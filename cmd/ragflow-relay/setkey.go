package main

import (
	"fmt"

	"github.com/dvcrn/ragflow-relay/internal/credentials"
	"github.com/spf13/cobra"
)

func newSetKeyCmd(opts *rootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "set-key API_KEY",
		Short: "Save the RAGFlow API key to the credentials file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, _, err := opts.load()
				if err != nil {
					return err
				}
				path = cfg.RAGFlow.CredentialsPath
			}
			if path == "" {
				path = credentials.DefaultCredsPath()
			}
			if err := credentials.SaveAPIKey(path, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved API key to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Credentials file (default $XDG_CONFIG_HOME/ragflow-relay/credentials.json)")
	return cmd
}
