package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AcmeTickets/Platform/health"
	"github.com/AcmeTickets/Platform/internal/api"
)

func newAPICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP boundary that sends AddEvent commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			routes := api.RouterConfig{
				Health:   client.HealthHandler(),
				Liveness: health.LivenessHandler(),
				Logger:   a.logger,
			}
			if a.cfg.Metrics.Enabled {
				routes.Metrics = client.MetricsHandler()
				routes.MetricsPath = a.cfg.Metrics.Path
			}
			router := api.NewRouter(routes, api.NewEventController(client, api.WithLogger(a.logger)))

			return serveHTTP(ctx, &http.Server{
				Addr:              a.cfg.HTTPAddress,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}, a.logger)
		},
	}
}
