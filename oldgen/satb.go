package oldgen

import (
	"sync"

	"github.com/quillgc/quill/heap"
)

// SATBQueueSet buffers snapshot-at-the-beginning write barrier records.
// Mutator threads (and the stubs compiled code runs) enqueue the old value
// of overwritten references here while old marking is in progress; the
// engine drains the set at well-defined pauses.
type SATBQueueSet struct {
	mu      sync.Mutex
	records []heap.Address
}

// NewSATBQueueSet returns an empty buffer set.
func NewSATBQueueSet() *SATBQueueSet {
	return &SATBQueueSet{}
}

// Enqueue records an overwritten reference. Safe for concurrent use.
func (s *SATBQueueSet) Enqueue(addr heap.Address) {
	if addr == 0 {
		return
	}
	s.mu.Lock()
	s.records = append(s.records, addr)
	s.mu.Unlock()
}

// Len returns the number of buffered records.
func (s *SATBQueueSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// drain removes and returns all buffered records.
func (s *SATBQueueSet) drain() []heap.Address {
	s.mu.Lock()
	records := s.records
	s.records = nil
	s.mu.Unlock()
	return records
}
