package transport

import (
	"context"
	"sync"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/qos"
)

// MemoryTransport is an in-process Transport used by unit and
// integration tests. Publishers fan out synchronously to every live
// subscription on the same topic name, matching the one-callback-per-
// message delivery model of a real transport.
type MemoryTransport struct {
	mu            sync.Mutex
	discoverable  map[string]*DiscoveredTopic
	subscriptions map[string][]*memorySub
	publisherQoS  map[string][]qos.Profile
}

// NewMemoryTransport returns an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		discoverable:  make(map[string]*DiscoveredTopic),
		subscriptions: make(map[string][]*memorySub),
		publisherQoS:  make(map[string][]qos.Profile),
	}
}

// Announce registers a topic as discoverable, as if a live publisher
// had appeared on the middleware graph. Tests call this to simulate
// topics the Recorder's discovery loop should find.
func (t *MemoryTransport) Announce(name, msgType string, hidden bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.discoverable[name]
	if !ok {
		t.discoverable[name] = &DiscoveredTopic{Name: name, Types: []string{msgType}, Hidden: hidden}
		return
	}
	for _, ty := range existing.Types {
		if ty == msgType {
			return
		}
	}
	existing.Types = append(existing.Types, msgType)
}

func (t *MemoryTransport) DiscoverTopics(context.Context) ([]DiscoveredTopic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DiscoveredTopic, 0, len(t.discoverable))
	for _, d := range t.discoverable {
		out = append(out, *d)
	}
	return out, nil
}

type memoryPub struct {
	transport *MemoryTransport
	topic     string
}

func (p *memoryPub) Publish(_ context.Context, data []byte) error {
	p.transport.mu.Lock()
	subs := append([]*memorySub(nil), p.transport.subscriptions[p.topic]...)
	p.transport.mu.Unlock()
	now := time.Now().UnixNano()
	for _, s := range subs {
		s.cb(data, now)
	}
	return nil
}

func (p *memoryPub) Close() error { return nil }

func (t *MemoryTransport) CreatePublisher(meta bag.TopicMetadata, profile qos.Profile) (Publisher, error) {
	t.mu.Lock()
	t.publisherQoS[meta.Name] = append(t.publisherQoS[meta.Name], profile)
	t.mu.Unlock()
	return &memoryPub{transport: t, topic: meta.Name}, nil
}

type memorySub struct {
	transport *MemoryTransport
	topic     string
	cb        SubscribeCallback
}

func (s *memorySub) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	subs := s.transport.subscriptions[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.transport.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(meta bag.TopicMetadata, _ qos.Profile, cb SubscribeCallback) (Subscription, error) {
	sub := &memorySub{transport: t, topic: meta.Name, cb: cb}
	t.mu.Lock()
	t.subscriptions[meta.Name] = append(t.subscriptions[meta.Name], sub)
	t.mu.Unlock()
	return sub, nil
}

func (t *MemoryTransport) LivePublisherProfiles(topicName string) []qos.Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]qos.Profile(nil), t.publisherQoS[topicName]...)
}
