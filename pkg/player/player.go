// Package player implements the playback engine: it drives a
// bag.Reader through a bounded read-ahead queue and a rate-controlled
// virtual clock, publishing recorded messages back onto a
// transport.Transport in their original relative timing.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/clock"
	"github.com/novatechflow/bagtransport/pkg/metrics"
	"github.com/novatechflow/bagtransport/pkg/queue"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

const (
	producerPollInterval = 2 * time.Millisecond
	starvedPollInterval  = 100 * time.Microsecond
)

// Player plays a single bag back onto a Transport. It is safe to call
// the control methods (Pause, Resume, SetRate, Seek, PlayNext) from a
// goroutine other than the one running Play.
type Player struct {
	reader    bag.Reader
	transport transport.Transport
	clock     *clock.Clock
	queue     *queue.Queue
	opts      PlayOptions
	logger    *slog.Logger

	// readerMu serializes every operation that touches both the reader
	// and the queue together: the producer's read-then-enqueue step and
	// Seek's seek-then-drain step. Holding it across both halves of
	// each operation is what keeps a seek from racing a message that
	// was already read from the old position.
	readerMu sync.Mutex

	pubMu      sync.Mutex
	publishers map[string]transport.Publisher

	clockPub  transport.Publisher
	clockStop chan struct{}

	// startingTime is the bag's starting time, computed once in Play.
	// Seek clamps to it.
	startingTime int64

	// producerMu guards producerDone and playCtx. producerDone is the
	// completion signal of the current producer goroutine, swapped out
	// whenever Seek relaunches a finished producer; the consumer always
	// reads it fresh rather than capturing it once, so a relaunch
	// becomes visible to it immediately. playCtx is the context of the
	// in-progress Play call, or nil between calls; Seek consults it to
	// decide whether relaunching a finished producer is meaningful.
	producerMu   sync.Mutex
	producerDone chan struct{}
	playCtx      context.Context

	// genMu guards seekGen, a counter Seek bumps after it drains the
	// queue and repositions the reader. The consumer snapshots it when
	// it peeks a message and checks it again before popping: a mismatch
	// means a concurrent Seek already removed that message, so the
	// consumer must not pop or publish it.
	genMu   sync.Mutex
	seekGen int64
}

// New builds a Player over reader, publishing through tp.
func New(reader bag.Reader, tp transport.Transport, opts PlayOptions) *Player {
	opts = opts.withDefaults()
	metrics.PlayerRate.WithLabelValues(opts.Session).Set(opts.Rate)
	metrics.PlayerPaused.WithLabelValues(opts.Session).Set(0)
	return &Player{
		reader:     reader,
		transport:  tp,
		clock:      clock.New(),
		queue:      queue.New(opts.ReadAheadQueueSize),
		opts:       opts,
		logger:     opts.Logger,
		publishers: make(map[string]transport.Publisher),
	}
}

// Play runs one or more passes over the bag (per opts.Loop) until the
// bag is exhausted or ctx is cancelled. It blocks; callers that want to
// issue Pause/Seek/etc. while playing run it in its own goroutine.
func (p *Player) Play(ctx context.Context) error {
	if len(p.opts.TopicsToFilter) > 0 {
		p.reader.SetFilter(bag.StorageFilter{Topics: p.opts.TopicsToFilter})
	}
	metadata, err := p.reader.Metadata()
	if err != nil {
		return fmt.Errorf("player: read metadata: %w", err)
	}
	topics, err := p.reader.AllTopicsAndTypes()
	if err != nil {
		return fmt.Errorf("player: list topics: %w", err)
	}
	if err := p.preparePublishers(topics); err != nil {
		return fmt.Errorf("player: prepare publishers: %w", err)
	}
	defer p.closePublishers()

	startingTime := metadata.StartingTime.UnixNano()
	p.startingTime = startingTime
	p.clock.Jump(startingTime)

	p.setPlayContext(ctx)
	defer p.clearPlayContext()

	for {
		switch {
		case p.opts.Delay > 0:
			time.Sleep(p.opts.Delay)
		case p.opts.Delay < 0:
			p.logger.Warn("player: ignoring negative delay", "delay", p.opts.Delay)
		}

		p.playOnePass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.opts.Loop {
			return nil
		}

		p.readerMu.Lock()
		err := p.reader.Seek(startingTime)
		p.readerMu.Unlock()
		if err != nil {
			return fmt.Errorf("player: loop seek: %w", err)
		}
		p.clock.Jump(startingTime)
	}
}

// playOnePass runs the producer and consumer for one full traversal of
// the bag from its current reader position to end-of-bag.
func (p *Player) playOnePass(ctx context.Context) {
	p.startProducer(ctx)
	p.playMessagesFromQueue(ctx)
	<-p.producerDoneChan()
}

// startProducer launches a new producer goroutine and installs its
// completion channel as the one the consumer and Seek observe.
func (p *Player) startProducer(ctx context.Context) {
	done := make(chan struct{})
	p.producerMu.Lock()
	p.producerDone = done
	p.producerMu.Unlock()
	go func() {
		defer close(done)
		p.loadStorageContent(ctx)
	}()
}

// producerDoneChan returns the current producer's completion channel.
func (p *Player) producerDoneChan() chan struct{} {
	p.producerMu.Lock()
	defer p.producerMu.Unlock()
	return p.producerDone
}

// producerFinished reports whether the current producer goroutine has
// already returned.
func (p *Player) producerFinished() bool {
	ch := p.producerDoneChan()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (p *Player) setPlayContext(ctx context.Context) {
	p.producerMu.Lock()
	p.playCtx = ctx
	p.producerMu.Unlock()
}

func (p *Player) clearPlayContext() {
	p.producerMu.Lock()
	p.playCtx = nil
	p.producerMu.Unlock()
}

// activePlayContext returns the context of the in-progress Play call,
// if any.
func (p *Player) activePlayContext() (context.Context, bool) {
	p.producerMu.Lock()
	defer p.producerMu.Unlock()
	return p.playCtx, p.playCtx != nil
}

// bumpSeekGen invalidates any message the consumer may have already
// peeked, forcing it to re-peek rather than pop/publish something Seek
// just removed from the queue.
func (p *Player) bumpSeekGen() {
	p.genMu.Lock()
	p.seekGen++
	p.genMu.Unlock()
}

// currentSeekGen returns the generation a consumer should record when
// it peeks a message, to check again before popping it.
func (p *Player) currentSeekGen() int64 {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return p.seekGen
}

// popIfCurrentGen pops the queue head only if gen still matches the
// current generation, i.e. no Seek has run since the caller peeked.
func (p *Player) popIfCurrentGen(gen int64) bool {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	if gen != p.seekGen {
		return false
	}
	return p.queue.Pop()
}
