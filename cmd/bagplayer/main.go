package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/bagconfig"
	"github.com/novatechflow/bagtransport/pkg/player"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

const defaultMetricsAddr = ":9401"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()

	configPath := os.Getenv("BAGPLAYER_CONFIG")
	if configPath == "" {
		logger.Error("BAGPLAYER_CONFIG is required")
		os.Exit(1)
	}
	cfg, err := bagconfig.LoadPlayConfig(configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	reader, err := openReader(cfg.Storage)
	if err != nil {
		logger.Error("open bag failed", "error", err)
		os.Exit(1)
	}

	tp, closeTransport, err := buildTransport(logger)
	if err != nil {
		logger.Error("build transport failed", "error", err)
		os.Exit(1)
	}
	defer closeTransport()

	overrides, err := bagconfig.QoSOverrideMap(cfg.QoSOverrides)
	if err != nil {
		logger.Error("invalid qos overrides", "error", err)
		os.Exit(1)
	}

	startMetricsServer(ctx, envOrDefault("BAGPLAYER_METRICS_ADDR", defaultMetricsAddr), logger)

	p := player.New(reader, tp, player.PlayOptions{
		Rate:                     cfg.Rate,
		Delay:                    cfg.Delay(),
		Loop:                     cfg.Loop,
		ReadAheadQueueSize:       cfg.ReadAheadQueueSize,
		TopicsToFilter:           cfg.Topics,
		TopicQoSProfileOverrides: overrides,
		ClockPublishFrequency:    cfg.ClockPublishFrequency,
		ClockTopic:               cfg.ClockTopic,
		Session:                  cfg.Session,
		Logger:                   logger.With("component", "player"),
	})

	if err := p.Play(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("playback stopped with error", "error", err)
		os.Exit(1)
	}
}

func openReader(cfg bagconfig.StorageConfig) (bag.Reader, error) {
	if strings.HasPrefix(cfg.URI, "s3://") {
		return openObjectStoreReader(cfg)
	}
	return nil, errors.New("unsupported storage.uri scheme; only s3:// is wired in this binary")
}

func buildTransport(logger *slog.Logger) (transport.Transport, func(), error) {
	seeds := strings.TrimSpace(os.Getenv("BAGPLAYER_KAFKA_SEEDS"))
	if seeds == "" {
		logger.Warn("BAGPLAYER_KAFKA_SEEDS not set; using in-memory transport")
		return transport.NewMemoryTransport(), func() {}, nil
	}
	kt, err := transport.NewKafkaTransport(strings.Split(seeds, ","), logger)
	if err != nil {
		return nil, nil, err
	}
	return kt, func() { _ = kt.Close() }, nil
}

func startMetricsServer(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("BAGPLAYER_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: true})
	return slog.New(h).With("component", "bagplayer")
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
