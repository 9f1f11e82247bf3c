// Package taskqueue provides the work-stealing substrate of the collection
// engine: a bounded double-ended queue with owner-LIFO and thief-FIFO
// access, an overflow stack so pushes never fail, a queue set with
// randomized stealing, and a termination detector for the end of a parallel
// phase.
package taskqueue

import (
	"math/rand"
	"sync/atomic"
)

const asserts = true

// Queue is a double-ended work-stealing queue. The owner pushes and pops at
// the bottom; thieves take from the top. The top index and a modification
// tag share one atomic word so a steal is a single compare-and-swap.
//
// Push never rejects work: when the ring is full the element goes to an
// owner-private overflow stack. Only ring elements are stealable.
type Queue[T any] struct {
	elems []T
	mask  uint32

	// bottom is the owner-side index. Free-running; elements live at
	// index&mask.
	bottom atomic.Uint32

	// age packs the thief-side top index in the low half and a tag in the
	// high half. The tag advances on every successful claim so that readers
	// can observe queue activity.
	age atomic.Uint64

	overflow  []T
	overflowN atomic.Int32
}

// New creates a queue whose ring holds 1<<capacityLog2 elements.
func New[T any](capacityLog2 uint) *Queue[T] {
	n := uint32(1) << capacityLog2
	return &Queue[T]{
		elems: make([]T, n),
		mask:  n - 1,
	}
}

func ageTop(age uint64) uint32 { return uint32(age) }

func packAge(top uint32, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(top)
}

// Push enqueues an element. Must only be called by the owner. It cannot
// fail: elements beyond the ring capacity overflow into a private stack.
func (q *Queue[T]) Push(t T) {
	if q.tryPushRing(t) {
		return
	}
	q.overflow = append(q.overflow, t)
	q.overflowN.Add(1)
}

func (q *Queue[T]) tryPushRing(t T) bool {
	localBot := q.bottom.Load()
	top := ageTop(q.age.Load())
	// Keep one slot of slack so an in-flight steal never reads a slot the
	// owner is overwriting.
	if localBot-top < uint32(len(q.elems))-1 {
		q.elems[localBot&q.mask] = t
		q.bottom.Store(localBot + 1)
		return true
	}
	return false
}

// PopLocal removes an element from the owner side. It prefers the overflow
// stack, then the ring bottom. Returns false when both are empty.
func (q *Queue[T]) PopLocal(t *T) bool {
	if n := len(q.overflow); n > 0 {
		*t = q.overflow[n-1]
		var zero T
		q.overflow[n-1] = zero
		q.overflow = q.overflow[:n-1]
		q.overflowN.Add(-1)
		return true
	}

	localBot := q.bottom.Load()
	age := q.age.Load()
	top := ageTop(age)
	if localBot == top {
		return false
	}
	localBot--
	q.bottom.Store(localBot)
	// The atomic store above orders before the age reload, so a racing
	// thief either sees the shrunken bottom or we see its claimed top.
	*t = q.elems[localBot&q.mask]
	age = q.age.Load()
	top = ageTop(age)
	if int32(localBot-top) > 0 {
		// More elements remain below us; the pop is uncontended.
		return true
	}
	if localBot == top {
		// This was the last element and a thief may be racing us for it.
		// Whoever advances the age word owns it.
		newAge := packAge(top+1, uint32(age>>32)+1)
		if q.age.CompareAndSwap(age, newAge) {
			q.bottom.Store(localBot + 1)
			return true
		}
		top = ageTop(q.age.Load())
	}
	// A thief claimed the element we read. Restore the canonical empty
	// shape (bottom == top).
	if asserts && int32(top-localBot) <= 0 {
		panic("gc: task queue top did not pass bottom after lost race")
	}
	q.bottom.Store(top)
	return false
}

// PopGlobal steals one element from the top of the ring. Safe to call from
// any goroutine. A false return is not an error: the queue was empty or the
// caller lost a race.
func (q *Queue[T]) PopGlobal(t *T) bool {
	age := q.age.Load()
	top := ageTop(age)
	localBot := q.bottom.Load()
	if int32(localBot-top) <= 0 {
		return false
	}
	*t = q.elems[top&q.mask]
	newAge := packAge(top+1, uint32(age>>32)+1)
	return q.age.CompareAndSwap(age, newAge)
}

// Size returns a racy estimate of the queued elements, overflow included.
func (q *Queue[T]) Size() int {
	top := ageTop(q.age.Load())
	localBot := q.bottom.Load()
	n := int32(localBot - top)
	if n < 0 {
		n = 0
	}
	return int(n) + int(q.overflowN.Load())
}

// Empty reports whether the queue currently appears empty. The result can
// be stale by the time the caller acts on it; the termination detector is
// what turns per-queue emptiness into a global completion claim.
func (q *Queue[T]) Empty() bool { return q.Size() == 0 }

// Set groups the per-worker queues so thieves can find victims and the
// termination detector can inspect global emptiness.
type Set[T any] struct {
	queues []*Queue[T]
	seeds  []rngState
}

type rngState struct {
	_ [7]uint64 // keep neighbouring seeds off one cache line
	s atomic.Uint64
}

// NewSet creates n queues of 1<<capacityLog2 ring elements each.
func NewSet[T any](n int, capacityLog2 uint) *Set[T] {
	s := &Set[T]{
		queues: make([]*Queue[T], n),
		seeds:  make([]rngState, n),
	}
	for i := range s.queues {
		s.queues[i] = New[T](capacityLog2)
		s.seeds[i].s.Store(rand.Uint64() | 1)
	}
	return s
}

// Len returns the number of queues in the set.
func (s *Set[T]) Len() int { return len(s.queues) }

// Queue returns queue i.
func (s *Set[T]) Queue(i int) *Queue[T] { return s.queues[i] }

// Steal attempts to take one element from some queue other than queueID.
// It makes a bounded number of best-of-2 attempts before giving up; callers
// alternate stealing with termination offers.
func (s *Set[T]) Steal(queueID int, t *T) bool {
	if len(s.queues) < 2 {
		return false
	}
	for attempt := 0; attempt < 2*len(s.queues); attempt++ {
		if s.stealBestOf2(queueID, t) {
			return true
		}
	}
	return false
}

// stealBestOf2 picks two random victims and steals from the fuller one.
func (s *Set[T]) stealBestOf2(queueID int, t *T) bool {
	k1 := s.randVictim(queueID)
	k2 := s.randVictim(queueID)
	if s.queues[k1].Size() < s.queues[k2].Size() {
		k1 = k2
	}
	return s.queues[k1].PopGlobal(t)
}

func (s *Set[T]) randVictim(queueID int) int {
	// xorshift64; one state per queue so thieves don't contend on a seed.
	st := &s.seeds[queueID].s
	x := st.Load()
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	st.Store(x)
	k := int(x % uint64(len(s.queues)-1))
	if k >= queueID {
		k++
	}
	return k
}

// HasTasks reports whether any queue in the set appears non-empty.
func (s *Set[T]) HasTasks() bool {
	for _, q := range s.queues {
		if !q.Empty() {
			return true
		}
	}
	return false
}
