package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/app"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/server"
)

const shutdownTimeout = 10 * time.Second

func addServerFlags(cmd *cobra.Command, configPath *string) {
	f := cmd.Flags()
	f.StringVar(configPath, "config", "", "config file (YAML)")
	f.String("listen", "", "TCP listen address")
	f.String("socket", "", "unix socket path")
	f.String("storage", "", "storage driver: sqlite or postgres")
	f.String("db", "", "sqlite path or postgres DSN")
	f.String("keys-file", "", "API keys file")
	f.Duration("reclaim-interval", 0, "expiry sweep interval")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "text or json")
}

func loadServerConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	cfg.Log.Output = cmd.ErrOrStderr()
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lease server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(cmd, configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()

			srv, err := server.New(server.Config{
				Addr:       cfg.Listen,
				SocketPath: cfg.Socket,
				Handler:    a.Handler,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			a.Start(ctx)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()
			logger.Info("interlock started", "version", version, "storage", cfg.Storage.Driver, "capabilities", cfg.Capabilities.Backend)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return <-errc
		},
	}
	addServerFlags(cmd, &configPath)
	return cmd
}

func newSweepCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every lease past its deadline once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(cmd, configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger, app.WithoutAuth())
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Reclaimer.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d leases\n", n)
			return err
		},
	}
	addServerFlags(cmd, &configPath)
	return cmd
}
