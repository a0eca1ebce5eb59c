package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/bagconfig"
	"github.com/novatechflow/bagtransport/pkg/rewriter"
)

const defaultMetricsAddr = ":9403"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()

	configPath := os.Getenv("BAGREWRITE_CONFIG")
	if configPath == "" {
		logger.Error("BAGREWRITE_CONFIG is required")
		os.Exit(1)
	}
	cfg, err := bagconfig.LoadRewriteConfig(configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	readers := make([]bag.Reader, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		r, err := openObjectStoreReader(in)
		if err != nil {
			logger.Error("open input bag failed", "uri", in.URI, "error", err)
			os.Exit(1)
		}
		readers = append(readers, r)
	}

	sinks := make([]rewriter.Sink, 0, len(cfg.Outputs))
	for _, out := range cfg.Outputs {
		w, err := openObjectStoreWriter(out.Storage)
		if err != nil {
			logger.Error("open output bag failed", "uri", out.Storage.URI, "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, rewriter.Sink{Writer: w, Filter: bag.StorageFilter{Topics: out.Topics}})
	}

	startMetricsServer(ctx, envOrDefault("BAGREWRITE_METRICS_ADDR", defaultMetricsAddr), logger)

	rw := rewriter.New(logger.With("component", "rewriter"))
	if err := rw.Rewrite(ctx, cfg.JobID, readers, sinks); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("rewrite failed", "error", err)
		os.Exit(1)
	}
}

func openObjectStoreReader(cfg bagconfig.StorageConfig) (bag.Reader, error) {
	bucket, bagID, err := parseS3URI(cfg.URI)
	if err != nil {
		return nil, err
	}
	client, err := bag.NewS3Client(context.Background(), bag.S3Config{
		Bucket:         bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3Endpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("build s3 client: %w", err)
	}
	store := bag.NewObjectStore(cfg.S3Prefix, bagID, client, bag.ObjectStoreConfig{ReadAheadSegments: 2})
	if err := store.Open(bag.StorageOptions{URI: cfg.URI}, bag.ConversionOptions{}); err != nil {
		return nil, fmt.Errorf("open bag %s: %w", cfg.URI, err)
	}
	return store, nil
}

func openObjectStoreWriter(cfg bagconfig.StorageConfig) (bag.Writer, error) {
	bucket, bagID, err := parseS3URI(cfg.URI)
	if err != nil {
		return nil, err
	}
	client, err := bag.NewS3Client(context.Background(), bag.S3Config{
		Bucket:         bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3Endpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("build s3 client: %w", err)
	}
	store := bag.NewObjectStore(cfg.S3Prefix, bagID, client, bag.ObjectStoreConfig{FlushMessages: 500})
	if err := store.Open(bag.StorageOptions{URI: cfg.URI}, bag.ConversionOptions{}); err != nil {
		return nil, fmt.Errorf("open bag %s: %w", cfg.URI, err)
	}
	return store, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 uri %s: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// uri: %s", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
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
	switch strings.ToLower(os.Getenv("BAGREWRITE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: true})
	return slog.New(h).With("component", "bagrewrite")
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
