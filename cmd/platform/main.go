package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	platform "github.com/AcmeTickets/Platform"
	"github.com/AcmeTickets/Platform/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries what every subcommand needs once the root command has loaded
// the configuration
type app struct {
	envFiles []string
	cfg      *config.Configuration
	logger   *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "platform",
		Short:         "AcmeTickets platform integration host",
		Long:          "Runs the AcmeTickets HTTP boundary and message host, and inspects broker topology and dead letters.",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	cmd.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", config.DefaultEnvFiles, "env files read before the environment")

	cmd.AddCommand(newAPICmd(a), newMessageCmd(a), newTopologyCmd(a), newDeadLetterCmd(a))
	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log)
	slog.SetDefault(a.logger)
	return nil
}

// client connects the configured transport and backing stores
func (a *app) client(ctx context.Context) (*platform.Client, error) {
	return platform.NewClient(ctx, a.cfg, platform.WithLogger(a.logger))
}

func newLogger(opts config.LogOptions) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
