package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/feedbox/billing/internal/app"
	"github.com/feedbox/billing/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := newRootCmd().ExecuteContext(ctx); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	appConfig := func() (config.AppConfig, error) {
		appCfg, err := config.LoadFromEnv()
		if err != nil {
			return config.AppConfig{}, err
		}
		if strings.TrimSpace(cfgPath) != "" {
			appCfg.ConfigPath = config.ResolveConfigPath(cfgPath)
		}
		return appCfg, nil
	}
	withConfig := func(run func(context.Context, config.AppConfig) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			appCfg, err := appConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), appCfg)
		}
	}

	root := &cobra.Command{
		Use:           "billing",
		Short:         "Billing and tenant provisioning service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          withConfig(app.RunServer),
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (or env CONFIG_PATH)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and run background workers",
			Args:  cobra.NoArgs,
			RunE:  withConfig(app.RunServer),
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			Args:  cobra.NoArgs,
			RunE:  withConfig(app.Migrate),
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Mark lapsed subscriptions past due and finish pending cancellations",
			Args:  cobra.NoArgs,
			RunE:  withConfig(app.Sweep),
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Clean up unfinished provisioning attempts and pending cancellations",
			Args:  cobra.NoArgs,
			RunE:  withConfig(app.Reconcile),
		},
	)
	return root
}
