package marker

import (
	"sync"
	"sync/atomic"

	"github.com/quillgc/quill/heap"
)

// StateID identifies a PartialArrayState in its arena. Ids are always even
// so they can share the scanner task value space with word-aligned object
// addresses.
type StateID uintptr

// PartialArrayState tracks the unscanned remainder of one large array:
// elements [cursor, length) have not yet been claimed. Workers claim
// disjoint chunks by advancing the cursor atomically, so several
// continuations over the same array can run (and be stolen) in parallel.
//
// refs counts the continuation tasks referencing this state; the state
// returns to the arena when the last one finishes.
type PartialArrayState struct {
	array  heap.Address
	length int
	cursor atomic.Int64
	refs   atomic.Int32
}

// Array returns the address of the array being scanned.
func (s *PartialArrayState) Array() heap.Address { return s.array }

// Length returns the array length in elements.
func (s *PartialArrayState) Length() int { return s.length }

// StateArena allocates PartialArrayStates for one cycle. Freed slots are
// reused; a state cannot be reclaimed while any continuation task still
// holds a reference, so an id uniquely names one array scan for as long as
// the id is reachable from a queue.
type StateArena struct {
	mu     sync.Mutex
	states []*PartialArrayState
	free   []StateID

	// allocs counts Alloc calls, i.e. arrays that were chunked.
	allocs atomic.Uint64
}

// NewStateArena returns an empty arena.
func NewStateArena() *StateArena {
	return &StateArena{}
}

// Alloc creates a state for array with the given element count, holding one
// reference for the initial continuation.
func (a *StateArena) Alloc(array heap.Address, length int) StateID {
	a.allocs.Add(1)
	a.mu.Lock()
	var id StateID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.states = append(a.states, &PartialArrayState{})
		id = StateID((len(a.states) - 1) * 2)
	}
	a.mu.Unlock()

	if asserts && uintptr(id)&1 != 0 {
		panic("gc: partial array state id not even")
	}
	s := a.Get(id)
	s.array = array
	s.length = length
	s.cursor.Store(0)
	s.refs.Store(1)
	return id
}

// Get resolves an id. The id must have been returned by Alloc and not yet
// fully released.
func (a *StateArena) Get(id StateID) *PartialArrayState {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := int(id) / 2
	if asserts && (uintptr(id)&1 != 0 || i >= len(a.states)) {
		panic("gc: invalid partial array state id")
	}
	return a.states[i]
}

// AddRef takes n additional references before enqueuing that many
// continuation tasks.
func (a *StateArena) AddRef(id StateID, n int32) {
	a.Get(id).refs.Add(n)
}

// Release drops one reference. When the last reference goes, the array's
// range must have been fully claimed and the slot returns to the arena.
func (a *StateArena) Release(id StateID) {
	s := a.Get(id)
	if s.refs.Add(-1) != 0 {
		return
	}
	if asserts && s.cursor.Load() < int64(s.length) {
		panic("gc: partial array state released with unscanned elements")
	}
	a.mu.Lock()
	a.free = append(a.free, id)
	a.mu.Unlock()
}

// Allocs returns how many arrays were chunked through this arena.
func (a *StateArena) Allocs() uint64 { return a.allocs.Load() }

// Live returns the number of states currently checked out. Zero after a
// completed phase; used by the post-phase verification pass.
func (a *StateArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states) - len(a.free)
}
