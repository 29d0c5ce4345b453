package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dense-identity/callctl/internal/config"
	"github.com/dense-identity/callctl/internal/logger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:   "callctl",
		Short: "Call session lifecycle controller",
		Long:  `Places and receives calls through a Call Service. Commands: repl, serve, sim.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				return os.Setenv("ENV_FILE", envFile)
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load instead of .env")

	repl := newReplCmd()
	root.AddCommand(repl)
	root.AddCommand(newServeCmd())
	root.AddCommand(newSimCmd())
	// default: interactive session
	root.RunE = repl.RunE
	return root
}

// setup loads and validates configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		return nil, nil, errors.Wrap(err, "logger")
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
