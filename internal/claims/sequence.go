package claims

import "sync/atomic"

// Sequence allocates claim ids.
//
// Ids are strictly increasing and never reused, even when the mint that
// drew an id fails afterwards. The first id is 1.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Sequence struct {
	last atomic.Uint64
}

// NewSequenceAt creates a sequence whose next id is last+1.
// Used on restore to resume after the highest persisted id.
func NewSequenceAt(last uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last allocated id without incrementing.
func (s *Sequence) Current() uint64 {
	return s.last.Load()
}

// Advance moves the sequence forward to at least last.
func (s *Sequence) Advance(last uint64) {
	for {
		cur := s.last.Load()
		if cur >= last || s.last.CompareAndSwap(cur, last) {
			return
		}
	}
}
