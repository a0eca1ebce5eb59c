package player

import (
	"context"

	"github.com/novatechflow/bagtransport/pkg/metrics"
)

// Pause stops the virtual clock from advancing. Any in-flight
// SleepUntil wakes and the consumer loop blocks until Resume, PlayNext,
// or Seek.
func (p *Player) Pause() {
	p.clock.Pause()
	metrics.PlayerPaused.WithLabelValues(p.opts.Session).Set(1)
}

// Resume restarts the virtual clock from where it was paused.
func (p *Player) Resume() {
	p.clock.Resume()
	metrics.PlayerPaused.WithLabelValues(p.opts.Session).Set(0)
}

// TogglePaused flips the paused state and reports the new value.
func (p *Player) TogglePaused() bool {
	if p.clock.IsPaused() {
		p.Resume()
		return false
	}
	p.Pause()
	return true
}

// IsPaused reports whether playback is currently paused.
func (p *Player) IsPaused() bool {
	return p.clock.IsPaused()
}

// GetRate returns the current playback rate multiplier.
func (p *Player) GetRate() float64 {
	return p.clock.Rate()
}

// SetRate changes the playback rate multiplier. It returns false and
// leaves the rate unchanged if rate is not positive.
func (p *Player) SetRate(rate float64) bool {
	ok := p.clock.SetRate(rate)
	if ok {
		metrics.PlayerRate.WithLabelValues(p.opts.Session).Set(rate)
	}
	return ok
}

// PlayNext requires playback to be paused; otherwise the consumer loop
// in Play is already popping from the same queue and this would race
// it. It pops and publishes queued messages, skipping any whose topic
// has no publisher, until one is actually published or the queue runs
// dry. It reports whether a message was published.
func (p *Player) PlayNext() bool {
	if !p.clock.IsPaused() {
		p.logger.Warn("player: PlayNext requires playback to be paused")
		return false
	}
	for {
		msg, ok := p.queue.Peek()
		if !ok {
			return false
		}
		p.queue.Pop()
		if p.publishMessage(context.Background(), msg) {
			p.clock.Jump(msg.TimeStamp)
			return true
		}
	}
}

// Seek repositions the reader and the virtual clock to timeStamp,
// discarding whatever is currently queued. It holds readerMu for the
// whole operation, which is what keeps the producer from interleaving
// a stale read from the old position with the reposition. timeStamp is
// clamped to the bag's starting time; there is no clamp on the upper
// end. It bumps the seek generation so the consumer drops any message
// it had already peeked but not yet popped, and relaunches the
// producer if the bag had been fully read before this call.
func (p *Player) Seek(timeStamp int64) error {
	if timeStamp < p.startingTime {
		timeStamp = p.startingTime
	}
	p.readerMu.Lock()
	defer p.readerMu.Unlock()
	if err := p.reader.Seek(timeStamp); err != nil {
		return err
	}
	for p.queue.Pop() {
	}
	p.clock.Jump(timeStamp)
	p.bumpSeekGen()
	if ctx, active := p.activePlayContext(); active && p.producerFinished() {
		p.startProducer(ctx)
	}
	return nil
}
