package player

import (
	"log/slog"
	"time"

	"github.com/novatechflow/bagtransport/pkg/qos"
)

// PlayOptions configures a Play session.
type PlayOptions struct {
	// Rate is the initial playback speed multiplier.
	Rate float64
	// Delay is waited before each play (or loop) pass. Negative
	// disables it, with a warning, rather than being treated as an
	// error.
	Delay time.Duration
	// Loop restarts from the beginning on end-of-bag.
	Loop bool
	// ReadAheadQueueSize is the queue upper bound N.
	ReadAheadQueueSize int
	// TopicsToFilter, if non-empty, restricts publishing to these
	// topics.
	TopicsToFilter []string
	// TopicQoSProfileOverrides forces a publish QoS per topic.
	TopicQoSProfileOverrides map[string]qos.Profile
	// ClockPublishFrequency, in Hz, periodically publishes the
	// virtual clock's current time on ClockTopic. Zero disables it.
	ClockPublishFrequency float64
	// ClockTopic names the topic clock samples are published on.
	ClockTopic string
	// Session labels this player's exported metrics series.
	Session string
	// DisableKeyboardControls and the key-binding fields below name
	// the interactive keyboard controls a terminal front-end would
	// bind; the keyboard input source itself is an external
	// collaborator out of this subsystem's scope and is not
	// implemented here.
	DisableKeyboardControls bool
	PauseResumeToggleKey    rune
	PlayNextKey             rune
	IncreaseRateKey         rune
	DecreaseRateKey         rune

	Logger *slog.Logger
}

func (o PlayOptions) withDefaults() PlayOptions {
	if o.Rate <= 0 {
		o.Rate = 1.0
	}
	if o.ReadAheadQueueSize <= 0 {
		o.ReadAheadQueueSize = 1000
	}
	if o.ClockTopic == "" {
		o.ClockTopic = "/clock"
	}
	if o.Session == "" {
		o.Session = "default"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// lowerBoundFraction is the fraction of capacity the producer waits
// for the queue to drain below, once full, before topping it up
// again.
const lowerBoundFraction = 0.9
