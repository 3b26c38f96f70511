package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/hostagent"
)

// ServeFlags holds flags of the serve command.
type ServeFlags struct {
	ConfigPath string
	Port       int
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the agent",
		Long: `Start the agent: open the registry, start the initial listener and serve
the control API until /kill-agent, SIGINT or SIGTERM.
Without a config file the defaults apply (port 8080, sqlite://hostagent.db).
HOSTAGENT_* environment variables override file values.

Examples:
  hostagent serve
  hostagent serve config.toml
  hostagent serve --port=9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().IntVar(&serveFlags.Port, "port", 0, "initial listener port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := hostagent.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Port != 0 {
		cfg.Server.Port = flags.Port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	lg, closer, err := hostagent.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(lg)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if err := hostagent.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Listen != "" {
			metricsSrv = hostagent.NewMetricsServer(cfg.Metrics.Listen)
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					lg.Error("metrics server failed", "addr", cfg.Metrics.Listen, "error", err)
				}
			}()
			lg.Info("metrics server listening", "addr", cfg.Metrics.Listen)
		}
	}

	agent := hostagent.New(cfg, lg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			lg.Info("received signal", "signal", sig.String())
			agent.Terminate()
		case <-agent.Done():
		}
	}()

	runErr := agent.Run(ctx)

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}
	if runErr != nil {
		return runErr
	}
	lg.Info("agent exited")
	return nil
}
