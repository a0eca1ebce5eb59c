package player

import (
	"context"
	"errors"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
)

// loadStorageContent is the playback producer task: it keeps the
// read-ahead queue topped up from the reader until the bag is
// exhausted or ctx is cancelled. It stops refilling once the queue
// reaches capacity and waits for the consumer to drain it below
// lowerBoundFraction*N before resuming, rather than refilling on every
// single slot freed.
func (p *Player) loadStorageContent(ctx context.Context) {
	lowerBound := int(float64(p.queue.Capacity()) * lowerBoundFraction)
	full := false
	for {
		if ctx.Err() != nil {
			return
		}
		if full {
			if p.queue.SizeApprox() > lowerBound {
				time.Sleep(producerPollInterval)
				continue
			}
			full = false
		}
		if p.queue.SizeApprox() >= p.queue.Capacity() {
			full = true
			continue
		}

		p.readerMu.Lock()
		if !p.reader.HasNext() {
			p.readerMu.Unlock()
			return
		}
		msg, err := p.reader.ReadNext()
		if err != nil {
			p.readerMu.Unlock()
			if !errors.Is(err, bag.ErrExhausted) {
				p.logger.Error("player: read next message", "error", err)
			}
			return
		}
		p.queue.Enqueue(msg)
		p.readerMu.Unlock()
	}
}
