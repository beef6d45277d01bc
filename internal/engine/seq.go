package engine

import "sync/atomic"

// Seq is the monotonic logical clock stamping journal events.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Seq struct {
	n atomic.Int64
}

// NewSeqAt creates a sequence positioned at start. Used on restore to
// resume after the last persisted event.
func NewSeqAt(start int64) *Seq {
	s := &Seq{}
	s.n.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Seq) Next() int64 { return s.n.Add(1) }

// Current returns the last issued sequence number.
func (s *Seq) Current() int64 { return s.n.Load() }
