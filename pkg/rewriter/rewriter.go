// Package rewriter implements the rewrite merger: it k-way merges one
// or more bag readers by timestamp and fans each message out to
// whichever output writers (sinks) accept its topic.
package rewriter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Sink is one rewrite destination: a Writer plus the subset of topics
// it should receive. An empty Filter accepts every topic.
type Sink struct {
	Writer bag.Writer
	Filter bag.StorageFilter
}

// Rewriter merges bag readers into one or more output bags.
type Rewriter struct {
	logger *slog.Logger
}

// New builds a Rewriter. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{logger: logger}
}

// Rewrite merges readers in timestamp order and writes each message to
// every sink whose Filter allows its topic, concurrently per message
// via errgroup so a slow sink (e.g. one backed by object storage)
// doesn't serialize behind the others. jobID labels the exported
// metrics series for this run.
func (rw *Rewriter) Rewrite(ctx context.Context, jobID string, readers []bag.Reader, sinks []Sink) error {
	if len(readers) == 0 {
		return fmt.Errorf("rewriter: no input readers")
	}
	if len(sinks) == 0 {
		return fmt.Errorf("rewriter: no output sinks")
	}
	start := time.Now()
	defer func() {
		metrics.RewriteDuration.WithLabelValues(jobID).Observe(time.Since(start).Seconds())
	}()

	if err := rw.registerTopics(readers, sinks); err != nil {
		return err
	}

	m, err := newMerger(readers)
	if err != nil {
		return fmt.Errorf("rewriter: init merge: %w", err)
	}
	defer func() {
		if err := m.close(); err != nil {
			rw.logger.Warn("rewriter: close input readers", "error", err)
		}
	}()

	var count int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok, err := m.next()
		if err != nil {
			return fmt.Errorf("rewriter: merge: %w", err)
		}
		if !ok {
			break
		}
		if err := rw.fanOut(ctx, sinks, msg); err != nil {
			return err
		}
		count++
		metrics.RewriteMessages.WithLabelValues(jobID).Inc()
	}
	rw.logger.Info("rewriter: finished", "messages", count, "inputs", len(readers), "outputs", len(sinks))
	return nil
}

// registerTopics creates, on each sink's writer, every topic the sink
// will receive — before any message is merged, so Write never races a
// missing topic (mirrors the Recorder's create-before-subscribe rule).
func (rw *Rewriter) registerTopics(readers []bag.Reader, sinks []Sink) error {
	seen := make(map[string]bag.TopicMetadata)
	for _, r := range readers {
		topics, err := r.AllTopicsAndTypes()
		if err != nil {
			return fmt.Errorf("rewriter: list topics: %w", err)
		}
		for _, t := range topics {
			seen[t.Name] = t
		}
	}
	for _, s := range sinks {
		for _, t := range seen {
			if !s.Filter.Allows(t.Name) {
				continue
			}
			if err := s.Writer.CreateTopic(t); err != nil {
				return fmt.Errorf("rewriter: create topic %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (rw *Rewriter) fanOut(ctx context.Context, sinks []Sink, msg bag.SerializedMessage) error {
	g, _ := errgroup.WithContext(ctx)
	for _, s := range sinks {
		if !s.Filter.Allows(msg.TopicName) {
			continue
		}
		writer := s.Writer
		g.Go(func() error {
			return writer.Write(msg)
		})
	}
	return g.Wait()
}
