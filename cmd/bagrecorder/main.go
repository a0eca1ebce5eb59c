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
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/bagtransport/pkg/bagconfig"
	"github.com/novatechflow/bagtransport/pkg/recorder"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

const defaultMetricsAddr = ":9402"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()

	configPath := os.Getenv("BAGRECORDER_CONFIG")
	if configPath == "" {
		logger.Error("BAGRECORDER_CONFIG is required")
		os.Exit(1)
	}
	cfg, err := bagconfig.LoadRecordConfig(configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	writer, err := openObjectStoreWriter(cfg.Storage, cfg.RMWSerializationFormat)
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

	if release, err := campaignForLeaseIfConfigured(ctx, logger); err != nil {
		logger.Error("recording lease campaign failed", "error", err)
		os.Exit(1)
	} else if release != nil {
		defer release()
	}

	startMetricsServer(ctx, envOrDefault("BAGRECORDER_METRICS_ADDR", defaultMetricsAddr), logger)

	rec, err := recorder.New(writer, tp, recorder.RecordOptions{
		RMWSerializationFormat:   cfg.RMWSerializationFormat,
		AllTopics:                cfg.AllTopics,
		Topics:                   cfg.Topics,
		TopicsRegex:              cfg.TopicsRegex,
		ExcludeRegex:             cfg.ExcludeRegex,
		IncludeHiddenTopics:      cfg.IncludeHiddenTopics,
		RecordUnknownTypes:       cfg.RecordUnknownTypes,
		DiscoveryPollInterval:    cfg.DiscoveryPollInterval(),
		TopicQoSProfileOverrides: overrides,
		Session:                  cfg.Session,
		Logger:                   logger.With("component", "recorder"),
	})
	if err != nil {
		logger.Error("build recorder failed", "error", err)
		os.Exit(1)
	}

	if err := rec.Record(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("recording stopped with error", "error", err)
		os.Exit(1)
	}
}

// campaignForLeaseIfConfigured wires the HA active-recorder election
// when BAGRECORDER_ETCD_ENDPOINTS is set. It returns nil, nil when HA
// is not configured, so a single-instance deployment never touches
// etcd.
func campaignForLeaseIfConfigured(ctx context.Context, logger *slog.Logger) (func(), error) {
	endpoints := strings.TrimSpace(os.Getenv("BAGRECORDER_ETCD_ENDPOINTS"))
	if endpoints == "" {
		return nil, nil
	}
	jobID := os.Getenv("BAGRECORDER_JOB_ID")
	if jobID == "" {
		return nil, errors.New("BAGRECORDER_JOB_ID is required when BAGRECORDER_ETCD_ENDPOINTS is set")
	}
	candidateID := envOrDefault("BAGRECORDER_CANDIDATE_ID", hostnameOrPID())

	client, err := clientv3.New(clientv3.Config{Endpoints: strings.Split(endpoints, ",")})
	if err != nil {
		return nil, err
	}
	mgr := recorder.NewRecordingLeaseManager(client, recorder.LeaseManagerConfig{
		JobID:       jobID,
		CandidateID: candidateID,
		Logger:      logger.With("component", "recording-lease"),
	})
	logger.Info("campaigning for recording lease", "job", jobID, "candidate", candidateID)
	if err := mgr.Campaign(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return func() {
		_ = mgr.Close()
		_ = client.Close()
	}, nil
}

func hostnameOrPID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "candidate"
}

func buildTransport(logger *slog.Logger) (transport.Transport, func(), error) {
	seeds := strings.TrimSpace(os.Getenv("BAGRECORDER_KAFKA_SEEDS"))
	if seeds == "" {
		logger.Warn("BAGRECORDER_KAFKA_SEEDS not set; using in-memory transport")
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
	switch strings.ToLower(os.Getenv("BAGRECORDER_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: true})
	return slog.New(h).With("component", "bagrecorder")
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
