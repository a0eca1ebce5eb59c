package recorder

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/qos"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

// countingTransport wraps MemoryTransport to count DiscoverTopics
// calls, so tests can assert discovery actually stopped rather than
// just inferring it from subscription state.
type countingTransport struct {
	*transport.MemoryTransport
	calls int32
}

func (c *countingTransport) DiscoverTopics(ctx context.Context) ([]transport.DiscoveredTopic, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.MemoryTransport.DiscoverTopics(ctx)
}

// failingSubscribeTransport wraps MemoryTransport and fails every
// Subscribe call for a chosen topic, to exercise subscribeTopic's
// rollback path.
type failingSubscribeTransport struct {
	*transport.MemoryTransport
	failTopic string
	failErr   error
}

func (f *failingSubscribeTransport) Subscribe(meta bag.TopicMetadata, profile qos.Profile, cb transport.SubscribeCallback) (transport.Subscription, error) {
	if meta.Name == f.failTopic {
		return nil, f.failErr
	}
	return f.MemoryTransport.Subscribe(meta, profile, cb)
}

func TestRecorderSubscribesAllTopicsAndWrites(t *testing.T) {
	tp := transport.NewMemoryTransport()
	tp.Announce("/a", "string", false)
	tp.Announce("/b", "string", false)
	tp.Announce("/hidden", "string", true)

	writer := bag.NewMemoryWriter()
	rec, err := New(writer, tp, RecordOptions{RMWSerializationFormat: "cdr", AllTopics: true, DiscoveryPollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx) }()

	waitForSubscriptions(t, rec, 2)

	pubA, err := tp.CreatePublisher(bag.TopicMetadata{Name: "/a"}, qos.Default())
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	if err := pubA.Publish(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Record: %v", err)
	}

	msgs := writer.Messages()
	if len(msgs) != 1 || msgs[0].TopicName != "/a" || string(msgs[0].SerializedData) != "hello" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	topics := writer.Topics()
	if _, ok := topics["/hidden"]; ok {
		t.Fatal("hidden topic should not have been recorded")
	}
}

func TestRecorderExplicitTopicList(t *testing.T) {
	tp := transport.NewMemoryTransport()
	tp.Announce("/a", "string", false)
	tp.Announce("/b", "string", false)

	writer := bag.NewMemoryWriter()
	rec, err := New(writer, tp, RecordOptions{RMWSerializationFormat: "cdr", Topics: []string{"/a"}, DiscoveryPollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx) }()

	waitForSubscriptions(t, rec, 1)
	cancel()
	<-done

	topics := writer.Topics()
	if _, ok := topics["/a"]; !ok {
		t.Fatal("expected /a to be recorded")
	}
	if _, ok := topics["/b"]; ok {
		t.Fatal("did not expect /b to be recorded")
	}
}

func TestRecorderStopsDiscoveryOnceExplicitListSubscribed(t *testing.T) {
	tp := &countingTransport{MemoryTransport: transport.NewMemoryTransport()}
	tp.Announce("/a", "string", false)

	writer := bag.NewMemoryWriter()
	rec, err := New(writer, tp, RecordOptions{RMWSerializationFormat: "cdr", Topics: []string{"/a"}, DiscoveryPollInterval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx) }()

	waitForSubscriptions(t, rec, 1)
	time.Sleep(50 * time.Millisecond)
	if calls := atomic.LoadInt32(&tp.calls); calls > 2 {
		t.Fatalf("expected discovery to stop once explicit list was fully subscribed, got %d calls", calls)
	}

	cancel()
	<-done
}

func TestExplicitListComplete(t *testing.T) {
	writer := bag.NewMemoryWriter()
	tp := transport.NewMemoryTransport()
	rec, err := New(writer, tp, RecordOptions{RMWSerializationFormat: "cdr", Topics: []string{"/a", "/b"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if rec.explicitListComplete() {
		t.Fatal("expected incomplete before any subscriptions")
	}
	rec.mu.Lock()
	rec.subscriptions["/a"] = nil
	rec.mu.Unlock()
	if rec.explicitListComplete() {
		t.Fatal("expected incomplete with 1 of 2 subscribed")
	}
	rec.mu.Lock()
	rec.subscriptions["/b"] = nil
	rec.mu.Unlock()
	if !rec.explicitListComplete() {
		t.Fatal("expected complete with both subscribed")
	}
}

func TestSubscribeTopicRemovesTopicOnSubscribeFailure(t *testing.T) {
	inner := transport.NewMemoryTransport()
	inner.Announce("/a", "string", false)
	tp := &failingSubscribeTransport{MemoryTransport: inner, failTopic: "/a", failErr: context.Canceled}

	writer := bag.NewMemoryWriter()
	rec, err := New(writer, tp, RecordOptions{RMWSerializationFormat: "cdr", Topics: []string{"/a"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := rec.runDiscovery(context.Background()); err != nil {
		t.Fatalf("runDiscovery: %v", err)
	}

	if _, ok := writer.Topics()["/a"]; ok {
		t.Fatal("expected /a to be rolled back after subscribe failure")
	}
	rec.mu.Lock()
	_, subscribed := rec.subscriptions["/a"]
	rec.mu.Unlock()
	if subscribed {
		t.Fatal("did not expect /a to be subscribed")
	}
}

func TestNewRequiresSerializationFormat(t *testing.T) {
	writer := bag.NewMemoryWriter()
	tp := transport.NewMemoryTransport()
	_, err := New(writer, tp, RecordOptions{AllTopics: true})
	if err != ErrMissingSerializationFormat {
		t.Fatalf("expected ErrMissingSerializationFormat, got %v", err)
	}
}

func waitForSubscriptions(t *testing.T, rec *Recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		count := len(rec.subscriptions)
		rec.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscriptions", n)
}
