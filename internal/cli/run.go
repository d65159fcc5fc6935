package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mossy-p/bubble-mesh/config"
	"github.com/mossy-p/bubble-mesh/internal/handlers"
	"github.com/mossy-p/bubble-mesh/internal/node"
	"github.com/mossy-p/bubble-mesh/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node",
	Long: `Start the node: subscribe to the relay inbox, sweep expired signals,
advertise and browse over mDNS and serve the control API.

Examples:
  bubble run
  DEVICE_ID=kitchen bubble run --config bubble.toml`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"version": version,
		"device":  cfg.Node.DeviceID,
	}).Info("Starting bubble node")

	tracingManager := newTracingManager(cfg, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	n, err := node.New(ctx, cfg, logger, node.Options{})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Shutdown(context.Background())
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, n, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("Control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown server gracefully")
	}
	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown node cleanly")
	}
	logger.Info("Node shutdown completed")
	return runErr
}

func newTracingManager(cfg *config.Config, logger *logrus.Logger) *tracing.Manager {
	return tracing.NewManager(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "bubble",
		DeviceID:    cfg.Node.DeviceID,
		SampleRate:  cfg.Tracing.SampleRate,
	}, logger)
}
