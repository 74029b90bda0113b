package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AcmeTickets/Platform/internal/reliability"
)

func newDeadLetterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect dead-lettered messages",
	}

	var (
		endpoint   string
		maxResults int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages of an endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if endpoint == "" {
				endpoint = a.cfg.Endpoint
			}
			msgs, err := client.DeadLetters(ctx, endpoint, maxResults)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			printDeadLetters(cmd.OutOrStdout(), endpoint, msgs)
			return nil
		},
	}
	listCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "endpoint whose dead letters to list (default ENDPOINT_NAME)")
	listCmd.Flags().IntVarP(&maxResults, "max", "n", 20, "maximum number of messages")

	cmd.AddCommand(listCmd)
	return cmd
}

func printDeadLetters(w io.Writer, endpoint string, msgs []reliability.FailedMessage) {
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No dead letters for %s\n", endpoint)
		return
	}

	for i, m := range msgs {
		fmt.Fprintf(w, "Dead letter %d:\n", i+1)
		fmt.Fprintf(w, "  Message ID: %s\n", m.MessageID)
		fmt.Fprintf(w, "  Type: %s\n", m.TypeName)
		fmt.Fprintf(w, "  Endpoint: %s\n", m.Endpoint)
		fmt.Fprintf(w, "  Attempts: %d\n", m.Attempts)
		fmt.Fprintf(w, "  Permanent: %t\n", m.Permanent)
		fmt.Fprintf(w, "  Failed At: %s\n", m.FailedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Reason: %s\n", truncate(m.Reason, 200))
		fmt.Fprintln(w, strings.Repeat("-", 60))
	}
}
