package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	platform "github.com/AcmeTickets/Platform"
)

func newTopologyCmd(a *app) *cobra.Command {
	var declare bool
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print command routes and event subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			printTopology(cmd.OutOrStdout(), client)

			if !declare {
				return nil
			}
			if err := client.DeclareTopology(ctx); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nDeclared topology on %s\n", a.cfg.Transport)
			return nil
		},
	}
	cmd.Flags().BoolVar(&declare, "declare", false, "declare the broker objects every endpoint needs")
	return cmd
}

func printTopology(w io.Writer, client *platform.Client) {
	topo := client.Topology()
	resolver := client.Resolver()

	fmt.Fprintf(w, "%-70s %-30s\n", "Command", "Destination")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range topo.Routes {
		fmt.Fprintf(w, "%-70s %-30s\n", truncate(r.TypeName, 70), r.Destination)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-30s %-70s\n", "Endpoint", "Subscribed events")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, endpoint := range client.Endpoints() {
		events := resolver.EventsFor(endpoint)
		if len(events) == 0 {
			fmt.Fprintf(w, "%-30s %-70s\n", endpoint, "-")
			continue
		}
		for i, e := range events {
			name := endpoint
			if i > 0 {
				name = ""
			}
			fmt.Fprintf(w, "%-30s %-70s\n", name, truncate(e, 70))
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
