// Package bagconfig loads the YAML configuration bundles that back the
// cmd/bagplayer, cmd/bagrecorder, and cmd/bagrewrite binaries.
package bagconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/qos"
)

// StorageConfig describes how to open a bag, independent of whether it
// is played, recorded to, or rewritten.
type StorageConfig struct {
	URI           string `yaml:"uri"`
	StorageID     string `yaml:"storage_id"`
	MaxCacheSize  int    `yaml:"max_cache_size"`
	StorageConfig string `yaml:"storage_config"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint,omitempty"`
	SegmentSize int64  `yaml:"segment_bytes"`
}

func (s StorageConfig) toStorageOptions() bag.StorageOptions {
	return bag.StorageOptions{URI: s.URI, StorageID: s.StorageID, MaxCacheSize: s.MaxCacheSize, StorageConfig: s.StorageConfig}
}

// QoSOverride is one entry of a topic_qos_profile_overrides list.
type QoSOverride struct {
	Topic       string `yaml:"topic"`
	Reliability string `yaml:"reliability"`
	Durability  string `yaml:"durability"`
	History     string `yaml:"history"`
	Depth       int    `yaml:"depth"`
}

func toProfileMap(overrides []QoSOverride) (map[string]qos.Profile, error) {
	out := make(map[string]qos.Profile, len(overrides))
	for _, o := range overrides {
		p := qos.Default()
		switch o.Reliability {
		case "", "reliable":
			p.Reliability = qos.ReliabilityReliable
		case "best_effort":
			p.Reliability = qos.ReliabilityBestEffort
		default:
			return nil, fmt.Errorf("qos override %s: unknown reliability %q", o.Topic, o.Reliability)
		}
		switch o.Durability {
		case "", "volatile":
			p.Durability = qos.DurabilityVolatile
		case "transient_local":
			p.Durability = qos.DurabilityTransientLocal
		default:
			return nil, fmt.Errorf("qos override %s: unknown durability %q", o.Topic, o.Durability)
		}
		switch o.History {
		case "", "keep_last":
			p.History = qos.HistoryKeepLast
		case "keep_all":
			p.History = qos.HistoryKeepAll
		default:
			return nil, fmt.Errorf("qos override %s: unknown history %q", o.Topic, o.History)
		}
		if o.Depth > 0 {
			p.HistoryDepth = o.Depth
		}
		out[o.Topic] = p
	}
	return out, nil
}

// PlayConfig is the on-disk shape of a cmd/bagplayer configuration file.
type PlayConfig struct {
	Storage               StorageConfig `yaml:"storage"`
	Rate                  float64       `yaml:"rate"`
	DelayMillis           int64         `yaml:"delay_ms"`
	Loop                  bool          `yaml:"loop"`
	ReadAheadQueueSize    int           `yaml:"read_ahead_queue_size"`
	Topics                []string      `yaml:"topics"`
	ClockPublishFrequency float64       `yaml:"clock_publish_frequency_hz"`
	ClockTopic            string        `yaml:"clock_topic"`
	Session               string        `yaml:"session"`
	QoSOverrides          []QoSOverride `yaml:"topic_qos_profile_overrides"`
}

// RecordConfig is the on-disk shape of a cmd/bagrecorder configuration
// file.
type RecordConfig struct {
	Storage                 StorageConfig `yaml:"storage"`
	RMWSerializationFormat  string        `yaml:"rmw_serialization_format"`
	AllTopics               bool          `yaml:"all_topics"`
	Topics                  []string      `yaml:"topics"`
	TopicsRegex             string        `yaml:"topics_regex"`
	ExcludeRegex            string        `yaml:"exclude_regex"`
	IncludeHiddenTopics     bool          `yaml:"include_hidden_topics"`
	RecordUnknownTypes      bool          `yaml:"record_unknown_types"`
	DiscoveryPollIntervalMs int64         `yaml:"discovery_poll_interval_ms"`
	Session                 string        `yaml:"session"`
	QoSOverrides            []QoSOverride `yaml:"topic_qos_profile_overrides"`
}

// RewriteConfig is the on-disk shape of a cmd/bagrewrite configuration
// file: one or more input bags merged into one or more output bags.
type RewriteConfig struct {
	JobID   string          `yaml:"job_id"`
	Inputs  []StorageConfig `yaml:"inputs"`
	Outputs []RewriteOutput `yaml:"outputs"`
}

// RewriteOutput is one output bag plus the topics it should receive.
// An empty Topics list means "receive everything".
type RewriteOutput struct {
	Storage StorageConfig `yaml:"storage"`
	Topics  []string      `yaml:"topics"`
}

// LoadPlayConfig reads and validates a play configuration file.
func LoadPlayConfig(path string) (PlayConfig, error) {
	var cfg PlayConfig
	if err := readYAML(path, &cfg); err != nil {
		return PlayConfig{}, err
	}
	if cfg.Storage.URI == "" {
		return PlayConfig{}, fmt.Errorf("storage.uri is required")
	}
	return cfg, nil
}

// LoadRecordConfig reads and validates a record configuration file.
func LoadRecordConfig(path string) (RecordConfig, error) {
	var cfg RecordConfig
	if err := readYAML(path, &cfg); err != nil {
		return RecordConfig{}, err
	}
	if cfg.Storage.URI == "" {
		return RecordConfig{}, fmt.Errorf("storage.uri is required")
	}
	if cfg.RMWSerializationFormat == "" {
		return RecordConfig{}, fmt.Errorf("rmw_serialization_format is required")
	}
	if !cfg.AllTopics && cfg.TopicsRegex == "" && len(cfg.Topics) == 0 {
		return RecordConfig{}, fmt.Errorf("one of all_topics, topics, or topics_regex is required")
	}
	return cfg, nil
}

// LoadRewriteConfig reads and validates a rewrite configuration file.
func LoadRewriteConfig(path string) (RewriteConfig, error) {
	var cfg RewriteConfig
	if err := readYAML(path, &cfg); err != nil {
		return RewriteConfig{}, err
	}
	if len(cfg.Inputs) == 0 {
		return RewriteConfig{}, fmt.Errorf("at least one input bag is required")
	}
	if len(cfg.Outputs) == 0 {
		return RewriteConfig{}, fmt.Errorf("at least one output bag is required")
	}
	return cfg, nil
}

// QoSOverrideMap resolves a list of overrides into the map form the
// player/recorder packages take.
func QoSOverrideMap(overrides []QoSOverride) (map[string]qos.Profile, error) {
	return toProfileMap(overrides)
}

// StorageOptions converts a StorageConfig into the reader/writer Open
// argument.
func StorageOptions(s StorageConfig) bag.StorageOptions {
	return s.toStorageOptions()
}

// Delay converts DelayMillis into a time.Duration.
func (c PlayConfig) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

// DiscoveryPollInterval converts DiscoveryPollIntervalMs into a
// time.Duration.
func (c RecordConfig) DiscoveryPollInterval() time.Duration {
	return time.Duration(c.DiscoveryPollIntervalMs) * time.Millisecond
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
