// Package bag defines the record/replay storage contract: serialized
// messages, topic metadata, and the Reader/Writer interfaces a bag
// backend must satisfy. It also ships two concrete backends: an
// in-memory store for tests, and an object-storage-backed store for
// production use.
package bag

import "time"

// SerializedMessage is a single opaque payload recorded on a topic.
// It is immutable after creation and safely shared by reference
// between a producer and a consumer goroutine.
type SerializedMessage struct {
	TopicName      string
	SerializedData []byte
	TimeStamp      int64 // nanoseconds since epoch
}

// TopicMetadata describes one topic recorded in (or to be played from)
// a bag.
type TopicMetadata struct {
	Name                string
	Type                string
	SerializationFormat string
	OfferedQoSProfiles  string // YAML list, see pkg/qos
}

// BagMetadata is returned by Reader.Metadata.
type BagMetadata struct {
	StartingTime time.Time
	Duration     time.Duration
	MessageCount int64
	Topics       []TopicMetadata
}

// StorageOptions configures how a bag is opened.
type StorageOptions struct {
	URI           string
	StorageID     string
	MaxCacheSize  int
	StorageConfig string
}

// ConversionOptions controls serialization-format conversion between
// the bag's on-disk format and the format requested by the caller. An
// empty InputSerializationFormat/OutputSerializationFormat means "no
// conversion".
type ConversionOptions struct {
	InputSerializationFormat  string
	OutputSerializationFormat string
}

// StorageFilter restricts a Reader to a subset of topics. An empty
// Topics list means "no filter" (all topics pass).
type StorageFilter struct {
	Topics []string
}

// Allows reports whether the filter passes messages on the given
// topic.
func (f StorageFilter) Allows(topic string) bool {
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ByteRange requests a byte-inclusive slice of an object. A nil
// *ByteRange means "whole object".
type ByteRange struct {
	Start int64
	End   int64
}
