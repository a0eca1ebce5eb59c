package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/qos"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

type capture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capture) record(topic string) func(data []byte, wallTimeNs int64) {
	return func(data []byte, wallTimeNs int64) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, topic+":"+string(data))
	}
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func newFixture(t *testing.T) (*bag.MemoryReader, *transport.MemoryTransport, *capture) {
	t.Helper()
	topics := []bag.TopicMetadata{
		{Name: "/a", Type: "string"},
		{Name: "/b", Type: "string"},
	}
	msgs := []bag.SerializedMessage{
		{TopicName: "/a", SerializedData: []byte("a1"), TimeStamp: 100},
		{TopicName: "/b", SerializedData: []byte("b1"), TimeStamp: 150},
		{TopicName: "/a", SerializedData: []byte("a2"), TimeStamp: 200},
		{TopicName: "/b", SerializedData: []byte("b2"), TimeStamp: 300},
	}
	reader := bag.NewMemoryReader(topics, msgs)
	tp := transport.NewMemoryTransport()
	rec := &capture{}
	for _, name := range []string{"/a", "/b"} {
		if _, err := tp.Subscribe(bag.TopicMetadata{Name: name}, qos.Default(), rec.record(name)); err != nil {
			t.Fatalf("subscribe %s: %v", name, err)
		}
	}
	return reader, tp, rec
}

func TestPlayOrdersAcrossTopics(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1000, ReadAheadQueueSize: 10})
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	got := rec.snapshot()
	want := []string{"/a:a1", "/b:b1", "/a:a2", "/b:b2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestPlayHonorsTopicFilter(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1000, ReadAheadQueueSize: 10, TopicsToFilter: []string{"/a"}})
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	got := rec.snapshot()
	want := []string{"/a:a1", "/a:a2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlayLoopRestartsFromBeginning(t *testing.T) {
	topics := []bag.TopicMetadata{{Name: "/a", Type: "string"}}
	msgs := []bag.SerializedMessage{
		{TopicName: "/a", SerializedData: []byte("a1"), TimeStamp: 100},
		{TopicName: "/a", SerializedData: []byte("a2"), TimeStamp: 200},
	}
	reader := bag.NewMemoryReader(topics, msgs)
	tp := transport.NewMemoryTransport()
	rec := &capture{}
	if _, err := tp.Subscribe(bag.TopicMetadata{Name: "/a"}, qos.Default(), rec.record("/a")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	p := New(reader, tp, PlayOptions{Rate: 10000, ReadAheadQueueSize: 10, Loop: true})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Play(ctx)

	got := rec.snapshot()
	if len(got) < 4 {
		t.Fatalf("expected multiple loop passes, got %v", got)
	}
	if got[0] != "/a:a1" || got[1] != "/a:a2" || got[2] != "/a:a1" {
		t.Fatalf("loop did not restart from beginning: %v", got)
	}
}

func TestPauseBlocksPlaybackUntilResumed(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1, ReadAheadQueueSize: 10})
	p.Pause()

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("expected no messages while paused, got %d", got)
	}
	if !p.IsPaused() {
		t.Fatal("expected IsPaused true")
	}

	p.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not finish after Resume")
	}
	if got := len(rec.snapshot()); got != 4 {
		t.Fatalf("expected 4 messages after resume, got %d", got)
	}
}

func TestPlayNextStepsWhilePaused(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1, ReadAheadQueueSize: 10})
	p.Pause()

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.queue.SizeApprox() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !p.PlayNext() {
		t.Fatal("expected PlayNext to have a message ready")
	}
	time.Sleep(20 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "/a:a1" {
		t.Fatalf("expected single stepped message, got %v", got)
	}
	if !p.IsPaused() {
		t.Fatal("PlayNext should not unpause")
	}

	p.Resume()
	<-done
}

func TestPlayNextRequiresPause(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1, ReadAheadQueueSize: 10})

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.queue.SizeApprox() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if p.PlayNext() {
		t.Fatal("expected PlayNext to return false while not paused")
	}

	p.Pause()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not finish")
	}
	_ = rec.snapshot()
}

func TestPlayNextSkipsMessagesWithoutPublisher(t *testing.T) {
	// "/unsubscribed" messages exist in the bag but its topic is
	// omitted from the topics list, so preparePublishers never creates
	// a publisher for it; PlayNext must skip those silently rather than
	// counting one as "the next message".
	topics := []bag.TopicMetadata{
		{Name: "/a", Type: "string"},
	}
	msgs := []bag.SerializedMessage{
		{TopicName: "/unsubscribed", SerializedData: []byte("skip1"), TimeStamp: 100},
		{TopicName: "/unsubscribed", SerializedData: []byte("skip2"), TimeStamp: 150},
		{TopicName: "/a", SerializedData: []byte("a1"), TimeStamp: 200},
	}
	reader := bag.NewMemoryReader(topics, msgs)
	tp := transport.NewMemoryTransport()
	rec := &capture{}
	if _, err := tp.Subscribe(bag.TopicMetadata{Name: "/a"}, qos.Default(), rec.record("/a")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	p := New(reader, tp, PlayOptions{Rate: 1, ReadAheadQueueSize: 10})
	p.Pause()

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.queue.SizeApprox() >= 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !p.PlayNext() {
		t.Fatal("expected PlayNext to publish the one message with a publisher")
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "/a:a1" {
		t.Fatalf("expected only /a:a1 to be published, got %v", got)
	}

	p.Resume()
	<-done
}

func TestSeekJumpsForward(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1000, ReadAheadQueueSize: 10})
	if err := p.Seek(200); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	got := rec.snapshot()
	want := []string{"/a:a2", "/b:b2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestSeekRelaunchesFinishedProducer exercises the case where the
// producer goroutine has already read the bag to exhaustion (it
// easily outruns the paced consumer when the whole bag fits in the
// read-ahead queue) before a later, non-paused Seek moves playback
// forward to messages the consumer has not played yet, which moves the
// reader back from its end-of-bag position. Without relaunching
// the producer, the queue would stay empty forever and the remaining
// messages would never be published.
func TestSeekRelaunchesFinishedProducer(t *testing.T) {
	const step = 5 * time.Millisecond
	topics := []bag.TopicMetadata{{Name: "/a", Type: "string"}}
	msgs := []bag.SerializedMessage{
		{TopicName: "/a", SerializedData: []byte("a1"), TimeStamp: int64(1 * step)},
		{TopicName: "/a", SerializedData: []byte("a2"), TimeStamp: int64(2 * step)},
		{TopicName: "/a", SerializedData: []byte("a3"), TimeStamp: int64(3 * step)},
		{TopicName: "/a", SerializedData: []byte("a4"), TimeStamp: int64(4 * step)},
		{TopicName: "/a", SerializedData: []byte("a5"), TimeStamp: int64(5 * step)},
	}
	reader := bag.NewMemoryReader(topics, msgs)
	tp := transport.NewMemoryTransport()
	rec := &capture{}
	if _, err := tp.Subscribe(bag.TopicMetadata{Name: "/a"}, qos.Default(), rec.record("/a")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	p := New(reader, tp, PlayOptions{Rate: 1, ReadAheadQueueSize: 10})

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.snapshot()) < 2 {
		time.Sleep(time.Millisecond)
	}
	for time.Now().Before(deadline) && !p.producerFinished() {
		time.Sleep(time.Millisecond)
	}
	if !p.producerFinished() {
		t.Fatal("expected producer to have finished reading the short bag already")
	}

	// Seek past a3 to a4: playback moves forward and the exhausted
	// reader moves back to a4, but with nothing relaunching the
	// producer the queue would never refill.
	if err := p.Seek(int64(3*step + 1)); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not finish after seek past exhausted producer")
	}

	got := rec.snapshot()
	want := []string{"/a:a1", "/a:a2", "/a:a4", "/a:a5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

// TestSeekConcurrentWithActivePlayDoesNotDuplicatePublish races Seek
// against an unpaused, running Play. Every seek moves strictly
// forward, so in a correct implementation no message can ever be
// published twice: a consumer that published a message the seek was
// about to invalidate, or vice versa, would show up as a duplicate in
// the capture.
func TestSeekConcurrentWithActivePlayDoesNotDuplicatePublish(t *testing.T) {
	const n = 200
	const step = 5 * time.Millisecond
	topics := []bag.TopicMetadata{{Name: "/a", Type: "string"}}
	msgs := make([]bag.SerializedMessage, n)
	for i := 0; i < n; i++ {
		msgs[i] = bag.SerializedMessage{
			TopicName:      "/a",
			SerializedData: []byte{byte(i), byte(i >> 8)},
			TimeStamp:      int64(i+1) * int64(step),
		}
	}
	reader := bag.NewMemoryReader(topics, msgs)
	tp := transport.NewMemoryTransport()

	var mu sync.Mutex
	seen := make(map[string]int)
	if _, err := tp.Subscribe(bag.TopicMetadata{Name: "/a"}, qos.Default(), func(data []byte, _ int64) {
		mu.Lock()
		seen[string(data)]++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := New(reader, tp, PlayOptions{Rate: 1, ReadAheadQueueSize: 16})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Play(ctx) }()

	seekDone := make(chan struct{})
	go func() {
		defer close(seekDone)
		target := int64(step)
		for i := 0; i < 40; i++ {
			target += int64(2 * step)
			if err := p.Seek(target); err != nil {
				t.Errorf("Seek: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	<-seekDone
	select {
	case err := <-done:
		if err != nil && err != context.DeadlineExceeded {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not finish after concurrent seeking")
	}

	mu.Lock()
	defer mu.Unlock()
	for data, count := range seen {
		if count > 1 {
			t.Fatalf("message %q published %d times, want at most once under monotonically forward seeking", data, count)
		}
	}
}

func TestSeekClampsToStartingTime(t *testing.T) {
	reader, tp, rec := newFixture(t)
	p := New(reader, tp, PlayOptions{Rate: 1000, ReadAheadQueueSize: 10})
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	// Pause so the clock stays where Seek put it instead of advancing
	// at rate 1000 before Now is read.
	p.Pause()
	if err := p.Seek(-1000); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got, want := p.clock.Now(), p.startingTime; got != want {
		t.Fatalf("expected clock clamped to starting time %d, got %d", want, got)
	}
	_ = rec.snapshot()
}
