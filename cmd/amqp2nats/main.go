package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/amqp2nats/internal/runtime"
	"github.com/drblury/amqp2nats/internal/runtime/config"
	"github.com/drblury/amqp2nats/internal/runtime/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code. Any relay exit other than a requested
// shutdown, a consumer cancellation included, is a failure.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("amqp2nats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file (optional)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Log, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	if err := applyVault(ctx, cfg, logger); err != nil {
		logger.Error("Failed to apply Vault secrets", err, nil)
		return 1
	}

	svc, err := runtime.NewService(cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		logger.Error("Failed to create relay service", err, nil)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close relay service", err, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		logger.Error("Failed to start relay service", err, nil)
		return 1
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down", nil)
	case <-svc.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		logger.Error("Relay did not stop cleanly", err, nil)
		return 1
	}

	if err := svc.Err(); err != nil {
		logger.Error("Relay stopped", err, nil)
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig, w io.Writer) (logging.ServiceLogger, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "slog":
		handler, err := logging.NewHandler(cfg.Format, cfg.Level, w)
		if err != nil {
			return nil, err
		}
		return logging.NewSlogServiceLogger(slog.New(handler)), nil
	case "watermill":
		level, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		debug := level <= slog.LevelDebug
		trace := level <= logging.LevelTrace
		return logging.NewWatermillServiceLogger(watermill.NewStdLoggerWithOut(w, debug, trace)), nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", cfg.Backend)
	}
}

func applyVault(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger) error {
	vc, err := config.NewVaultClient(cfg.Vault)
	if err != nil {
		return err
	}
	if vc == nil {
		return nil
	}

	logger.Info("Loading secrets from Vault", logging.LogFields{"address": cfg.Vault.Address})
	if err := config.ApplyVaultSecrets(ctx, cfg, vc); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Join(errors.New("configuration invalid after applying Vault secrets"), err)
	}
	return nil
}
