package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AcmeTickets/Platform/health"
	"github.com/AcmeTickets/Platform/internal/api"
	"github.com/AcmeTickets/Platform/internal/eventmanagement"
	"github.com/AcmeTickets/Platform/messaging"
)

func newMessageCmd(a *app) *cobra.Command {
	var (
		endpoints []string
		declare   bool
	)
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Host the message handlers of one or more endpoints",
		Long: `Consumes the configured endpoint (or every --endpoint given) and dispatches
AddEvent commands and public events to their handlers until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if declare {
				if err := client.DeclareTopology(ctx); err != nil {
					return err
				}
			}

			dispatcher := messaging.NewMessageDispatcher(
				messaging.WithDispatcherLogger(a.logger),
				messaging.WithMiddleware(client.HandlerMiddleware()))
			service := eventmanagement.NewService(eventmanagement.NewMemoryStore(), eventmanagement.WithLogger(a.logger))
			if err := service.Register(dispatcher); err != nil {
				return err
			}

			if len(endpoints) == 0 {
				endpoints = []string{a.cfg.Endpoint}
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, endpoint := range endpoints {
				p := client.NewProcessor(endpoint, dispatcher)
				g.Go(func() error {
					return client.Run(gctx, p)
				})
			}

			routes := api.RouterConfig{Health: client.HealthHandler(), Liveness: health.LivenessHandler()}
			if a.cfg.Metrics.Enabled {
				routes.Metrics = client.MetricsHandler()
				routes.MetricsPath = a.cfg.Metrics.Path
			}
			g.Go(func() error {
				return serveHTTP(gctx, &http.Server{
					Addr:              a.cfg.HTTPAddress,
					Handler:           api.NewRouter(routes),
					ReadHeaderTimeout: 10 * time.Second,
				}, a.logger)
			})

			a.logger.Info("message host started", "endpoints", endpoints, "transport", a.cfg.Transport)
			err = g.Wait()
			a.logger.Info("message host stopped")
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&endpoints, "endpoint", "e", nil, "endpoint to consume (default ENDPOINT_NAME)")
	cmd.Flags().BoolVar(&declare, "declare", false, "declare broker topology before consuming")
	return cmd
}
