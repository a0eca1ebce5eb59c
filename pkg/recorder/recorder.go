package recorder

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/metrics"
	"github.com/novatechflow/bagtransport/pkg/qos"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

// Recorder subscribes to selected topics on a Transport and writes
// every delivered message to a bag.Writer. Its periodic discovery loop
// follows the ticker/stop-channel idiom used elsewhere in this module
// for background polling loops.
type Recorder struct {
	writer    bag.Writer
	transport transport.Transport
	opts      RecordOptions
	logger    *slog.Logger

	topicsRe  *regexp.Regexp
	excludeRe *regexp.Regexp

	mu             sync.Mutex
	subscriptions  map[string]transport.Subscription
	subscribedQoS  map[string]qos.Profile
	warnedTopics   map[string]bool
	skippedUnknown map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Recorder writing through writer, discovering and
// subscribing through tp.
func New(writer bag.Writer, tp transport.Transport, opts RecordOptions) (*Recorder, error) {
	opts = opts.withDefaults()
	if opts.RMWSerializationFormat == "" {
		return nil, ErrMissingSerializationFormat
	}
	topicsRe, err := opts.compileTopicsRegex()
	if err != nil {
		return nil, err
	}
	excludeRe, err := opts.compileExcludeRegex()
	if err != nil {
		return nil, err
	}
	return &Recorder{
		writer:         writer,
		transport:      tp,
		opts:           opts,
		logger:         opts.Logger,
		topicsRe:       topicsRe,
		excludeRe:      excludeRe,
		subscriptions:  make(map[string]transport.Subscription),
		subscribedQoS:  make(map[string]qos.Profile),
		warnedTopics:   make(map[string]bool),
		skippedUnknown: make(map[string]bool),
		stopCh:         make(chan struct{}),
	}, nil
}

// Record runs the discovery loop until ctx is cancelled or Stop is
// called, then unsubscribes from every topic it holds. If an explicit
// topic list was configured (no AllTopics, no TopicsRegex) and every
// topic in it has been subscribed, discovery stops re-running and
// Record simply waits for cancellation, since there is nothing left to
// discover. It blocks; callers that want to control it concurrently
// run it in its own goroutine.
func (r *Recorder) Record(ctx context.Context) error {
	if err := r.runDiscovery(ctx); err != nil {
		r.teardown()
		return err
	}
	if r.explicitListComplete() {
		r.logger.Info("recorder: explicit topic list fully subscribed, stopping discovery")
		return r.waitForStop(ctx)
	}
	ticker := time.NewTicker(r.opts.DiscoveryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return ctx.Err()
		case <-r.stopCh:
			r.teardown()
			return nil
		case <-ticker.C:
			if err := r.runDiscovery(ctx); err != nil {
				r.logger.Error("recorder: discovery failed", "error", err)
			}
			if r.explicitListComplete() {
				r.logger.Info("recorder: explicit topic list fully subscribed, stopping discovery")
				ticker.Stop()
				return r.waitForStop(ctx)
			}
		}
	}
}

// explicitListComplete reports whether an explicit (non-regex,
// non-all-topics) Topics list was configured and every topic in it is
// currently subscribed.
func (r *Recorder) explicitListComplete() bool {
	if r.opts.AllTopics || r.topicsRe != nil || len(r.opts.Topics) == 0 {
		return false
	}
	r.mu.Lock()
	n := len(r.subscriptions)
	r.mu.Unlock()
	return n == len(r.opts.Topics)
}

// waitForStop blocks until ctx is cancelled or Stop is called, then
// tears down subscriptions.
func (r *Recorder) waitForStop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		r.teardown()
		return ctx.Err()
	case <-r.stopCh:
		r.teardown()
		return nil
	}
}

// Stop ends an in-progress Record call.
func (r *Recorder) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// TakeSnapshot forwards to the underlying writer's snapshot mechanism.
func (r *Recorder) TakeSnapshot() (bool, error) {
	return r.writer.TakeSnapshot()
}

func (r *Recorder) teardown() {
	r.mu.Lock()
	subs := r.subscriptions
	r.subscriptions = make(map[string]transport.Subscription)
	r.mu.Unlock()
	metrics.RecorderSubscriptions.WithLabelValues(r.opts.Session).Set(0)
	for name, sub := range subs {
		if err := sub.Close(); err != nil {
			r.logger.Warn("recorder: close subscription", "topic", name, "error", err)
		}
	}
}
