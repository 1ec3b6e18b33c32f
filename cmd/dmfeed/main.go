// Command dmfeed subscribes to the dmdata real-time telegram feed over
// redundant WebSocket connections and prints the deduplicated stream.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/otiai10/dmdata/internal/apiv2"
	"github.com/otiai10/dmdata/internal/config"
	"github.com/otiai10/dmdata/internal/redundancy"
	"github.com/otiai10/dmdata/internal/socket"
	"github.com/otiai10/dmdata/internal/telemetry"
	"github.com/otiai10/dmdata/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load .env if it exists (for local development). Silently ignore if the
	// file doesn't exist; production uses real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting dmfeed",
		zap.String("commit", version.CommitHash),
		zap.Strings("classifications", cfg.Classifications))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := apiv2.NewClient(cfg.APIKey,
		apiv2.WithUserAgent("dmfeed/"+version.CommitHash),
		apiv2.WithLogger(logger))

	initial, max := cfg.ReconnectDelays()
	controller := redundancy.NewController(client, redundancy.Options{
		Endpoints:      cfg.Endpoints,
		DedupCacheSize: cfg.DedupCacheSize,
		Reconnection: socket.ReconnectionOptions{
			InitialDelay: initial,
			MaxDelay:     max,
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
	}, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	params := &apiv2.SocketStartParameter{
		Classifications: cfg.Classifications,
		Types:           cfg.Types,
		AppName:         cfg.AppName,
		FormatMode:      "raw",
	}
	if err := controller.Connect(ctx, params); err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	go consumeEvents(ctx, controller, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down",
				zap.Int64("received", controller.TotalMessagesReceived()),
				zap.Int64("duplicatesFiltered", controller.DuplicateMessagesFiltered()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := controller.Close(shutdownCtx); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
			return
		case msg := <-controller.Data():
			logger.Info("telegram",
				zap.String("id", msg.ID),
				zap.String("classification", msg.Classification),
				zap.String("type", msg.Head.Type),
				zap.Time("time", msg.Head.Time))
		}
	}
}

func consumeEvents(ctx context.Context, controller *redundancy.Controller, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-controller.Events():
			switch e := ev.(type) {
			case redundancy.StatusChangedEvent:
				logger.Info("status changed",
					zap.Stringer("status", e.Status),
					zap.Strings("endpoints", e.ActiveEndpoints))
			case redundancy.ConnectionErrorEvent:
				if e.Err != nil {
					logger.Warn("connection error", zap.String("endpoint", e.Endpoint), zap.Error(e.Err))
				} else {
					logger.Warn("server error",
						zap.String("endpoint", e.Endpoint),
						zap.String("error", e.Message.Error),
						zap.Int("code", e.Message.Code))
				}
			case redundancy.AllConnectionsLostEvent:
				logger.Error("all connections lost", zap.Duration("nextRetryIn", e.NextRetryIn))
			case redundancy.RedundancyRestoredEvent:
				logger.Info("redundancy restored",
					zap.String("endpoint", e.Endpoint),
					zap.Int("active", e.ActiveConnections))
			}
		}
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
