package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/qos"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaTransport is a Transport backed by a real Kafka-protocol
// broker, used by the cmd binaries as a concrete stand-in for a live
// middleware transport. Each topic gets
// its own consumer client so Subscribe/Close map cleanly onto a
// per-topic subscription lifecycle.
type KafkaTransport struct {
	seeds  []string
	admin  *kadm.Client
	logger *slog.Logger

	mu         sync.Mutex
	produceCli *kgo.Client
	qosSeen    map[string][]qos.Profile
}

// NewKafkaTransport dials the given seed brokers and returns a ready
// Transport.
func NewKafkaTransport(seeds []string, logger *slog.Logger) (*KafkaTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	produceCli, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.AllowAutoTopicCreation(),
		kgo.ClientID("bagtransport-publisher"),
	)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}
	return &KafkaTransport{
		seeds:      seeds,
		admin:      kadm.NewClient(produceCli),
		logger:     logger,
		produceCli: produceCli,
		qosSeen:    make(map[string][]qos.Profile),
	}, nil
}

func (t *KafkaTransport) DiscoverTopics(ctx context.Context) ([]DiscoveredTopic, error) {
	metadata, err := t.admin.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka metadata: %w", err)
	}
	out := make([]DiscoveredTopic, 0, len(metadata.Topics))
	for name := range metadata.Topics {
		out = append(out, DiscoveredTopic{Name: name, Types: []string{"bytes"}})
	}
	return out, nil
}

type kafkaPub struct {
	client *kgo.Client
	topic  string
}

func (p *kafkaPub) Publish(ctx context.Context, data []byte) error {
	return p.client.ProduceSync(ctx, &kgo.Record{Topic: p.topic, Value: data}).FirstErr()
}

func (p *kafkaPub) Close() error { return nil }

func (t *KafkaTransport) CreatePublisher(meta bag.TopicMetadata, profile qos.Profile) (Publisher, error) {
	t.mu.Lock()
	t.qosSeen[meta.Name] = append(t.qosSeen[meta.Name], profile)
	t.mu.Unlock()
	return &kafkaPub{client: t.produceCli, topic: meta.Name}, nil
}

type kafkaSub struct {
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kafkaSub) Close() error {
	s.cancel()
	<-s.done
	s.client.Close()
	return nil
}

func (t *KafkaTransport) Subscribe(meta bag.TopicMetadata, _ qos.Profile, cb SubscribeCallback) (Subscription, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.seeds...),
		kgo.ConsumeTopics(meta.Name),
		kgo.ConsumerGroup("bagtransport-recorder-"+meta.Name),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client for %s: %w", meta.Name, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			fetches := client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				t.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
			})
			fetches.EachRecord(func(r *kgo.Record) {
				wallTime := time.Now().UnixNano()
				if !r.Timestamp.IsZero() {
					wallTime = r.Timestamp.UnixNano()
				}
				cb(r.Value, wallTime)
			})
		}
	}()
	return &kafkaSub{client: client, cancel: cancel, done: done}, nil
}

func (t *KafkaTransport) LivePublisherProfiles(topicName string) []qos.Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]qos.Profile(nil), t.qosSeen[topicName]...)
}

// Close releases the shared producer client.
func (t *KafkaTransport) Close() error {
	t.produceCli.Close()
	return nil
}
