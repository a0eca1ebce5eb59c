package player

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/metrics"
	"github.com/novatechflow/bagtransport/pkg/qos"
)

// preparePublishers creates one Publisher per topic that survives
// opts.TopicsToFilter, negotiating its QoS via
// qos.PublisherProfileForTopic, and starts the optional clock
// publisher.
func (p *Player) preparePublishers(topics []bag.TopicMetadata) error {
	filter := bag.StorageFilter{Topics: p.opts.TopicsToFilter}
	for _, t := range topics {
		if !filter.Allows(t.Name) {
			continue
		}
		profile, err := qos.PublisherProfileForTopic(p.opts.TopicQoSProfileOverrides, t.Name, t.OfferedQoSProfiles)
		if err != nil {
			p.logger.Warn("player: falling back to default QoS", "topic", t.Name, "error", err)
			profile = qos.Default()
		}
		pub, err := p.transport.CreatePublisher(t, profile)
		if err != nil {
			return err
		}
		p.pubMu.Lock()
		p.publishers[t.Name] = pub
		p.pubMu.Unlock()
	}

	if p.opts.ClockPublishFrequency > 0 {
		pub, err := p.transport.CreatePublisher(bag.TopicMetadata{Name: p.opts.ClockTopic, Type: "clock"}, qos.Default())
		if err != nil {
			return err
		}
		p.clockPub = pub
		p.clockStop = make(chan struct{})
		go p.publishClock()
	}
	return nil
}

func (p *Player) publishClock() {
	interval := time.Duration(float64(time.Second) / p.opts.ClockPublishFrequency)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.clockStop:
			return
		case <-ticker.C:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(p.clock.Now()))
			if err := p.clockPub.Publish(context.Background(), buf[:]); err != nil {
				p.logger.Warn("player: publish clock sample failed", "error", err)
			}
		}
	}
}

// publishMessage delivers msg to its topic's publisher and reports
// whether one existed. A topic with no publisher (filtered out) is
// silently skipped and reports false.
func (p *Player) publishMessage(ctx context.Context, msg bag.SerializedMessage) bool {
	p.pubMu.Lock()
	pub, ok := p.publishers[msg.TopicName]
	p.pubMu.Unlock()
	if !ok {
		return false
	}
	result := "ok"
	if err := pub.Publish(ctx, msg.SerializedData); err != nil {
		p.logger.Error("player: publish failed", "topic", msg.TopicName, "error", err)
		result = "error"
	}
	metrics.PlayerMessagesPublished.WithLabelValues(p.opts.Session, msg.TopicName, result).Inc()
	metrics.PlayerQueueDepth.WithLabelValues(p.opts.Session).Set(float64(p.queue.SizeApprox()))
	return true
}

func (p *Player) closePublishers() {
	if p.clockStop != nil {
		close(p.clockStop)
		if err := p.clockPub.Close(); err != nil {
			p.logger.Warn("player: close clock publisher", "error", err)
		}
	}
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	for topic, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			p.logger.Warn("player: close publisher", "topic", topic, "error", err)
		}
	}
}
