package bag

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Reader is the external contract for reading a bag. Calls are not
// required to be thread-safe; callers serialize access (the Player
// does this via its reader mutex, see pkg/player).
type Reader interface {
	Open(opts StorageOptions, conv ConversionOptions) error
	Close() error
	HasNext() bool
	ReadNext() (SerializedMessage, error)
	Seek(timeStamp int64) error
	Metadata() (BagMetadata, error)
	AllTopicsAndTypes() ([]TopicMetadata, error)
	SetFilter(filter StorageFilter)
}

// ErrBagClosed is returned by operations on a Reader/Writer that has
// already been closed.
var ErrBagClosed = errors.New("bag: closed")

// ErrExhausted is returned by ReadNext once HasNext reports false.
var ErrExhausted = errors.New("bag: exhausted")

// MemoryReader is a Reader backed by an in-memory, already time-sorted
// slice of messages. It is the reference implementation of the
// contract, used by unit tests and anywhere a real storage engine is
// unnecessary.
type MemoryReader struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	topics   []TopicMetadata
	all      []SerializedMessage
	filtered []SerializedMessage
	filter   StorageFilter
	cursor   int
	starting int64
}

// NewMemoryReader builds a MemoryReader over a copy of messages,
// sorted by TimeStamp ascending (stable, so messages with equal
// timestamps keep their input order). topics describes the bag's
// topic catalog.
func NewMemoryReader(topics []TopicMetadata, messages []SerializedMessage) *MemoryReader {
	msgs := append([]SerializedMessage(nil), messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].TimeStamp < msgs[j].TimeStamp })
	starting := int64(0)
	if len(msgs) > 0 {
		starting = msgs[0].TimeStamp
	}
	return &MemoryReader{
		topics:   append([]TopicMetadata(nil), topics...),
		all:      msgs,
		filtered: msgs,
		starting: starting,
	}
}

func (r *MemoryReader) Open(StorageOptions, ConversionOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrBagClosed
	}
	r.opened = true
	return nil
}

func (r *MemoryReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MemoryReader) HasNext() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor < len(r.filtered)
}

func (r *MemoryReader) ReadNext() (SerializedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= len(r.filtered) {
		return SerializedMessage{}, ErrExhausted
	}
	msg := r.filtered[r.cursor]
	r.cursor++
	return msg, nil
}

func (r *MemoryReader) Seek(timeStamp int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := sort.Search(len(r.filtered), func(i int) bool {
		return r.filtered[i].TimeStamp >= timeStamp
	})
	r.cursor = idx
	return nil
}

func (r *MemoryReader) Metadata() (BagMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var duration int64
	if len(r.all) > 0 {
		duration = r.all[len(r.all)-1].TimeStamp - r.all[0].TimeStamp
	}
	return BagMetadata{
		MessageCount: int64(len(r.all)),
		Topics:       append([]TopicMetadata(nil), r.topics...),
		Duration:     time.Duration(duration),
		StartingTime: time.Unix(0, r.starting).UTC(),
	}, nil
}

func (r *MemoryReader) AllTopicsAndTypes() ([]TopicMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TopicMetadata(nil), r.topics...), nil
}

func (r *MemoryReader) SetFilter(filter StorageFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = filter
	if len(filter.Topics) == 0 {
		r.filtered = r.all
		r.cursor = 0
		return
	}
	filtered := make([]SerializedMessage, 0, len(r.all))
	for _, m := range r.all {
		if filter.Allows(m.TopicName) {
			filtered = append(filtered, m)
		}
	}
	r.filtered = filtered
	r.cursor = 0
}

// StartingTime returns the bag's fixed starting time: the minimum
// timestamp across the whole bag, independent of any filter applied
// later.
func (r *MemoryReader) StartingTime() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starting
}

