// Package recorder implements the recording engine: it discovers
// topics on a transport.Transport, subscribes to the ones selected by
// RecordOptions, and writes every delivered message to a bag.Writer.
package recorder

import (
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/novatechflow/bagtransport/pkg/qos"
)

// ErrMissingSerializationFormat is returned by New when
// RecordOptions.RMWSerializationFormat is empty.
var ErrMissingSerializationFormat = errors.New("recorder: rmw_serialization_format is required")

// RecordOptions configures a Record session.
type RecordOptions struct {
	// RMWSerializationFormat names the middleware wire format messages
	// arrive in (for example "cdr"). Required; New fails without it.
	RMWSerializationFormat string
	// AllTopics subscribes to every discovered, non-hidden topic.
	AllTopics bool
	// Topics is an explicit allow-list, used when AllTopics is false
	// and TopicsRegex is empty.
	Topics []string
	// TopicsRegex, if non-empty, selects any topic whose name matches.
	TopicsRegex string
	// ExcludeRegex drops topics that would otherwise be selected.
	ExcludeRegex string
	// IncludeHiddenTopics records topics the transport reports Hidden.
	IncludeHiddenTopics bool
	// RecordUnknownTypes still creates the topic (with an empty type)
	// when a topic offers more than one message type, instead of
	// skipping it.
	RecordUnknownTypes bool
	// TopicQoSProfileOverrides forces a subscription QoS per topic.
	TopicQoSProfileOverrides map[string]qos.Profile
	// DiscoveryPollInterval controls how often topics_discovery re-runs.
	DiscoveryPollInterval time.Duration
	// Session labels this recorder's exported metrics series.
	Session string
	// Logger receives operational messages.
	Logger *slog.Logger
}

func (o RecordOptions) withDefaults() RecordOptions {
	if o.DiscoveryPollInterval <= 0 {
		o.DiscoveryPollInterval = time.Second
	}
	if o.Session == "" {
		o.Session = "default"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o RecordOptions) compileTopicsRegex() (*regexp.Regexp, error) {
	if o.TopicsRegex == "" {
		return nil, nil
	}
	return regexp.Compile(o.TopicsRegex)
}

func (o RecordOptions) compileExcludeRegex() (*regexp.Regexp, error) {
	if o.ExcludeRegex == "" {
		return nil, nil
	}
	return regexp.Compile(o.ExcludeRegex)
}
