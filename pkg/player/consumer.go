package player

import (
	"context"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
)

// playMessagesFromQueue is the playback consumer loop. It pops each
// message once the virtual clock reaches its timestamp and publishes
// it. A false return from Clock.SleepUntil means playback state
// changed underneath it (pause, resume, rate change, seek, or loop
// restart) — rather than tracking each of those separately, the loop
// just re-peeks the queue head and recomputes. A Seek can also race a
// SleepUntil that returns true (for example because Seek's own
// Clock.Jump moved the clock past the peeked message's timestamp): the
// seek generation check in popIfCurrentGen catches that case and
// drops the stale message instead of popping or publishing it.
func (p *Player) playMessagesFromQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, gen, ok := p.peekOrWaitForFirst(ctx)
		if !ok {
			return
		}
		if p.clock.SleepUntil(msg.TimeStamp) {
			if p.popIfCurrentGen(gen) {
				_ = p.publishMessage(ctx, msg)
			}
		}
	}
}

// peekOrWaitForFirst blocks until either a message is available to
// peek, the producer has finished and the queue is empty (end of
// pass), or ctx is done. It also returns the seek generation in effect
// at the moment it returned the message, for the caller to recheck
// before popping. If the queue is empty on the first check and the
// producer is still running, it logs a one-time starvation warning and
// polls at starvedPollInterval until a message appears or the producer
// finishes. It always re-reads the producer's completion channel
// rather than taking it as a fixed parameter, so a producer Seek
// relaunches mid-wait is observed.
func (p *Player) peekOrWaitForFirst(ctx context.Context) (bag.SerializedMessage, int64, bool) {
	if msg, ok := p.queue.Peek(); ok {
		return msg, p.currentSeekGen(), true
	}
	if !p.producerFinished() {
		p.logger.Warn("player: consumer starved waiting for producer")
	}
	for {
		if msg, ok := p.queue.Peek(); ok {
			return msg, p.currentSeekGen(), true
		}
		select {
		case <-p.producerDoneChan():
			if msg, ok := p.queue.Peek(); ok {
				return msg, p.currentSeekGen(), true
			}
			return bag.SerializedMessage{}, 0, false
		case <-ctx.Done():
			return bag.SerializedMessage{}, 0, false
		case <-time.After(starvedPollInterval):
		}
	}
}
