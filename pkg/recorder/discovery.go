package recorder

import (
	"context"
	"fmt"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/metrics"
	"github.com/novatechflow/bagtransport/pkg/qos"
	"github.com/novatechflow/bagtransport/pkg/transport"
)

// runDiscovery is one pass of topic discovery: it lists the topics
// currently visible on the transport, narrows them to the ones this
// session wants recorded, subscribes to any that are new, and
// re-checks QoS compatibility for ones already subscribed.
func (r *Recorder) runDiscovery(ctx context.Context) error {
	discovered, err := r.transport.DiscoverTopics(ctx)
	if err != nil {
		return fmt.Errorf("recorder: discover topics: %w", err)
	}
	selected := r.requestedOrAvailableTopics(discovered)
	for _, dt := range selected {
		r.mu.Lock()
		_, already := r.subscriptions[dt.Name]
		r.mu.Unlock()
		if already {
			r.warnIfNewQoSForSubscribedTopic(dt.Name)
			continue
		}
		if err := r.subscribeTopic(dt); err != nil {
			r.logger.Error("recorder: subscribe failed", "topic", dt.Name, "error", err)
		}
	}
	metrics.RecorderDiscoveryCycles.WithLabelValues(r.opts.Session).Inc()
	r.mu.Lock()
	metrics.RecorderSubscriptions.WithLabelValues(r.opts.Session).Set(float64(len(r.subscriptions)))
	r.mu.Unlock()
	return nil
}

// requestedOrAvailableTopics applies the hidden-topic rule first, then
// the all-topics/explicit-list/regex selection, then the exclude
// regex, then drops or flags topics offering more than one type.
func (r *Recorder) requestedOrAvailableTopics(discovered []transport.DiscoveredTopic) []transport.DiscoveredTopic {
	out := make([]transport.DiscoveredTopic, 0, len(discovered))
	for _, dt := range discovered {
		if dt.Hidden && !r.opts.IncludeHiddenTopics {
			continue
		}
		if !r.isRequested(dt.Name) {
			continue
		}
		if r.excludeRe != nil && r.excludeRe.MatchString(dt.Name) {
			continue
		}
		if len(dt.Types) > 1 {
			if !r.opts.RecordUnknownTypes {
				r.mu.Lock()
				alreadyWarned := r.skippedUnknown[dt.Name]
				r.skippedUnknown[dt.Name] = true
				r.mu.Unlock()
				if !alreadyWarned {
					r.logger.Warn("recorder: skipping topic offered with more than one type", "topic", dt.Name, "types", dt.Types)
				}
				continue
			}
			dt.Types = nil
		}
		out = append(out, dt)
	}
	return out
}

func (r *Recorder) isRequested(name string) bool {
	if r.opts.AllTopics {
		return true
	}
	if r.topicsRe != nil {
		return r.topicsRe.MatchString(name)
	}
	for _, t := range r.opts.Topics {
		if t == name {
			return true
		}
	}
	return false
}

// subscribeTopic creates the writer's topic entry before the
// transport subscription starts, so no delivered message can ever
// race a missing topic (bag.Writer.Write would otherwise return
// ErrUnknownTopic).
func (r *Recorder) subscribeTopic(dt transport.DiscoveredTopic) error {
	msgType := ""
	if len(dt.Types) > 0 {
		msgType = dt.Types[0]
	}
	meta := bag.TopicMetadata{Name: dt.Name, Type: msgType}

	live := r.transport.LivePublisherProfiles(dt.Name)
	profile := qos.SubscriptionProfileForTopic(r.opts.TopicQoSProfileOverrides, dt.Name, live)
	meta.OfferedQoSProfiles, _ = qos.SerializeOfferedProfiles(live)

	if err := r.writer.CreateTopic(meta); err != nil {
		return fmt.Errorf("create topic %s: %w", dt.Name, err)
	}

	sub, err := r.transport.Subscribe(meta, profile, func(data []byte, wallTimeNs int64) {
		result := "ok"
		if err := r.writer.WriteRaw(data, dt.Name, msgType, wallTimeNs); err != nil {
			r.logger.Error("recorder: write message failed", "topic", dt.Name, "error", err)
			result = "error"
		}
		metrics.RecorderMessagesWritten.WithLabelValues(r.opts.Session, dt.Name, result).Inc()
	})
	if err != nil {
		if rmErr := r.writer.RemoveTopic(meta); rmErr != nil {
			r.logger.Error("recorder: remove topic after failed subscribe", "topic", dt.Name, "error", rmErr)
		}
		return fmt.Errorf("subscribe %s: %w", dt.Name, err)
	}

	r.mu.Lock()
	r.subscriptions[dt.Name] = sub
	r.subscribedQoS[dt.Name] = profile
	r.mu.Unlock()
	return nil
}

// warnIfNewQoSForSubscribedTopic logs once per topic, the first time
// a live publisher's QoS is incompatible with the profile this
// recorder subscribed with.
func (r *Recorder) warnIfNewQoSForSubscribedTopic(topicName string) {
	r.mu.Lock()
	subscribed, ok := r.subscribedQoS[topicName]
	alreadyWarned := r.warnedTopics[topicName]
	r.mu.Unlock()
	if !ok || alreadyWarned {
		return
	}
	for _, pub := range r.transport.LivePublisherProfiles(topicName) {
		if incompat := qos.CheckIncompatibility(pub, subscribed); incompat != nil {
			r.mu.Lock()
			r.warnedTopics[topicName] = true
			r.mu.Unlock()
			r.logger.Warn("recorder: new publisher QoS incompatible with subscription",
				"topic", topicName, "kind", incompat.Kind, "detail", incompat.Message)
			return
		}
	}
}
