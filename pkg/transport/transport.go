// Package transport defines the publish/subscribe contract this
// subsystem treats as an external collaborator: the middleware's own
// RPC/publish/subscribe transport is out of scope, and only its
// interface contract appears here. It also ships an in-memory
// implementation for tests and a Kafka-backed implementation as a
// concrete stand-in for a real live middleware.
package transport

import (
	"context"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/qos"
)

// Publisher is a handle to publish serialized payloads on one topic.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// SubscribeCallback receives one delivered message. wallTimeNs is the
// message's wall-clock time as the transport reports it (the publish
// time for MemoryTransport; the record timestamp for KafkaTransport,
// or the arrival time when the record has none), used by the Recorder
// as the message's TimeStamp.
type SubscribeCallback func(data []byte, wallTimeNs int64)

// Subscription is a live subscription; Close tears it down.
type Subscription interface {
	Close() error
}

// DiscoveredTopic is one (name, type) pair as reported by the
// middleware's graph, plus whether it is hidden and how many distinct
// types have been offered on it (the Recorder drops topics offered
// with more than one type unless configured otherwise).
type DiscoveredTopic struct {
	Name   string
	Types  []string
	Hidden bool
}

// Transport is the middleware contract the Recorder discovers topics
// through and both engines publish/subscribe through.
type Transport interface {
	DiscoverTopics(ctx context.Context) ([]DiscoveredTopic, error)
	CreatePublisher(meta bag.TopicMetadata, profile qos.Profile) (Publisher, error)
	Subscribe(meta bag.TopicMetadata, profile qos.Profile, cb SubscribeCallback) (Subscription, error)
	// LivePublisherProfiles returns the QoS profiles currently offered
	// by publishers of a topic, used to derive a subscription's QoS
	// and to detect when a publisher's profile has drifted.
	LivePublisherProfiles(topicName string) []qos.Profile
}
