package bag

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// IndexEntry is a sparse index row mapping a message's sequence
// number within its segment to its byte offset in the segment blob.
type IndexEntry struct {
	Sequence int64
	Position int64
}

// segmentArtifact is a sealed, ready-to-upload segment.
type segmentArtifact struct {
	baseSeq      int64
	lastSeq      int64
	messageCount int
	segmentBytes []byte
	indexBytes   []byte
	index        []IndexEntry
}

// segmentIndexInterval controls how often an index row is emitted;
// smaller values mean cheaper random access, bigger index blobs.
const segmentIndexInterval = 16

// ErrCorruptSegment is returned when a segment or index blob fails to
// parse.
var ErrCorruptSegment = errors.New("bag: corrupt segment")

// buildSegment serializes buffered messages into a segment blob plus
// its sparse index. Each record is framed as:
//
//	[4 bytes topic len][topic][8 bytes data len][data][8 bytes timestamp]
func buildSegment(baseSeq int64, msgs []SerializedMessage) segmentArtifact {
	var buf []byte
	index := make([]IndexEntry, 0, len(msgs)/segmentIndexInterval+1)
	for i, m := range msgs {
		pos := int64(len(buf))
		if i%segmentIndexInterval == 0 {
			index = append(index, IndexEntry{Sequence: baseSeq + int64(i), Position: pos})
		}
		buf = appendRecord(buf, m)
	}
	return segmentArtifact{
		baseSeq:      baseSeq,
		lastSeq:      baseSeq + int64(len(msgs)) - 1,
		messageCount: len(msgs),
		segmentBytes: buf,
		indexBytes:   encodeIndex(index),
		index:        index,
	}
}

func appendRecord(buf []byte, m SerializedMessage) []byte {
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[:4], uint32(len(m.TopicName)))
	buf = append(buf, lenBuf[:4]...)
	buf = append(buf, m.TopicName...)
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(m.SerializedData)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, m.SerializedData...)
	binary.BigEndian.PutUint64(lenBuf[:], uint64(m.TimeStamp))
	buf = append(buf, lenBuf[:]...)
	return buf
}

// parseSegment decodes every record in a segment blob, in order.
func parseSegment(data []byte) ([]SerializedMessage, error) {
	var out []SerializedMessage
	pos := 0
	for pos < len(data) {
		m, next, err := readRecord(data, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		pos = next
	}
	return out, nil
}

// parseSegmentFrom decodes records starting at the given byte offset,
// used for range-reads seeded by an index entry.
func parseSegmentFrom(data []byte, pos int) ([]SerializedMessage, error) {
	var out []SerializedMessage
	for pos < len(data) {
		m, next, err := readRecord(data, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		pos = next
	}
	return out, nil
}

func readRecord(data []byte, pos int) (SerializedMessage, int, error) {
	if pos+4 > len(data) {
		return SerializedMessage{}, 0, fmt.Errorf("%w: truncated topic length", ErrCorruptSegment)
	}
	topicLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+topicLen > len(data) {
		return SerializedMessage{}, 0, fmt.Errorf("%w: truncated topic", ErrCorruptSegment)
	}
	topic := string(data[pos : pos+topicLen])
	pos += topicLen
	if pos+8 > len(data) {
		return SerializedMessage{}, 0, fmt.Errorf("%w: truncated data length", ErrCorruptSegment)
	}
	dataLen := int(binary.BigEndian.Uint64(data[pos : pos+8]))
	pos += 8
	if pos+dataLen > len(data) {
		return SerializedMessage{}, 0, fmt.Errorf("%w: truncated payload", ErrCorruptSegment)
	}
	payload := append([]byte(nil), data[pos:pos+dataLen]...)
	pos += dataLen
	if pos+8 > len(data) {
		return SerializedMessage{}, 0, fmt.Errorf("%w: truncated timestamp", ErrCorruptSegment)
	}
	ts := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
	pos += 8
	return SerializedMessage{TopicName: topic, SerializedData: payload, TimeStamp: ts}, pos, nil
}

// encodeIndex serializes index rows as fixed-width 16-byte records.
func encodeIndex(entries []IndexEntry) []byte {
	buf := make([]byte, 0, len(entries)*16)
	var row [16]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(row[:8], uint64(e.Sequence))
		binary.BigEndian.PutUint64(row[8:], uint64(e.Position))
		buf = append(buf, row[:]...)
	}
	return buf
}

func decodeIndex(data []byte) ([]IndexEntry, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("%w: index length %d not a multiple of 16", ErrCorruptSegment, len(data))
	}
	entries := make([]IndexEntry, 0, len(data)/16)
	for i := 0; i+16 <= len(data); i += 16 {
		entries = append(entries, IndexEntry{
			Sequence: int64(binary.BigEndian.Uint64(data[i : i+8])),
			Position: int64(binary.BigEndian.Uint64(data[i+8 : i+16])),
		})
	}
	return entries, nil
}

// positionForSequence returns the largest index entry position at or
// before seq, or 0 if seq precedes every index entry.
func positionForSequence(entries []IndexEntry, seq int64) int64 {
	if len(entries) == 0 {
		return 0
	}
	lo, hi := 0, len(entries)-1
	best := entries[0].Position
	for lo <= hi {
		mid := (lo + hi) / 2
		if entries[mid].Sequence <= seq {
			best = entries[mid].Position
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}
