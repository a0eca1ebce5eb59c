package rewriter

import (
	"errors"

	"github.com/novatechflow/bagtransport/pkg/bag"
)

// merger performs a k-way merge across readers ordered by
// SerializedMessage.TimeStamp, buffering one lookahead message per
// reader. A linear scan for the minimum head is used rather than a
// heap: the number of input bags a rewrite job merges is small (a
// handful at most), so the heap's O(log k) update would not pay for
// its bookkeeping.
type merger struct {
	readers []bag.Reader
	heads   []*bag.SerializedMessage
}

func newMerger(readers []bag.Reader) (*merger, error) {
	m := &merger{readers: readers, heads: make([]*bag.SerializedMessage, len(readers))}
	for i := range readers {
		if err := m.advance(i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *merger) advance(i int) error {
	r := m.readers[i]
	if !r.HasNext() {
		m.heads[i] = nil
		return nil
	}
	msg, err := r.ReadNext()
	if err != nil {
		if errors.Is(err, bag.ErrExhausted) {
			m.heads[i] = nil
			return nil
		}
		return err
	}
	m.heads[i] = &msg
	return nil
}

// next returns the globally earliest buffered message, or ok == false
// once every reader is exhausted.
func (m *merger) next() (bag.SerializedMessage, bool, error) {
	best := -1
	for i, h := range m.heads {
		if h == nil {
			continue
		}
		if best == -1 || h.TimeStamp < m.heads[best].TimeStamp {
			best = i
		}
	}
	if best == -1 {
		return bag.SerializedMessage{}, false, nil
	}
	msg := *m.heads[best]
	if err := m.advance(best); err != nil {
		return bag.SerializedMessage{}, false, err
	}
	return msg, true, nil
}

func (m *merger) close() error {
	var firstErr error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
