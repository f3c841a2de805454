package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dvcrn/ragflow-relay/internal/relay"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var threadID, userID, agentID string

	cmd := &cobra.Command{
		Use:   "ask [flags] QUESTION",
		Short: "Run one turn and print its frames as NDJSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return runAsk(ctx, a.Driver, cmd, relay.Turn{
				RequestID: uuid.NewString(),
				ThreadID:  threadID,
				UserID:    userID,
				AgentID:   agentID,
				Query:     strings.Join(args, " "),
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id; reuses the thread's RAGFlow session")
	cmd.Flags().StringVar(&userID, "user", "cli", "User id recorded in history")
	cmd.Flags().StringVar(&agentID, "agent", "ragflow", "Agent id recorded in history")
	return cmd
}

// turnRunner is the part of relay.Driver ask needs.
type turnRunner interface {
	Run(ctx context.Context, turn relay.Turn, emit func(relay.Frame) error) error
}

func runAsk(ctx context.Context, d turnRunner, cmd *cobra.Command, turn relay.Turn) error {
	turn.Meta = map[string]interface{}{
		"request_id": turn.RequestID,
		"query":      turn.Query,
		"agent_name": turn.AgentID,
		"thread_id":  turn.ThreadID,
		"user_id":    turn.UserID,
	}
	out := cmd.OutOrStdout()
	return d.Run(ctx, turn, func(f relay.Frame) error {
		return relay.WriteNDJSON(out, f)
	})
}
