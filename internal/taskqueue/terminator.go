package taskqueue

import (
	"runtime"
	"sync/atomic"
)

// hardSpinLimit bounds busy-waiting in Offer before yielding the processor.
const hardSpinLimit = 256

// Terminator detects completion of a parallel phase. A worker that finds its
// local queue empty and fails to steal offers termination; the phase is over
// only once every worker is simultaneously inside Offer with all queues
// empty. A queue can transiently appear empty while a peer is mid-steal, but
// such a peer is by definition not offering, so the count never reaches the
// worker total until the stolen task has been fully processed.
type Terminator struct {
	workers   int
	offered   atomic.Int32
	hasWork   func() bool
	interrupt func() bool
}

// NewTerminator creates a detector for the given number of workers. hasWork
// must report whether any queue in the phase still appears to hold tasks.
func NewTerminator(workers int, hasWork func() bool) *Terminator {
	return &Terminator{workers: workers, hasWork: hasWork}
}

// WithInterrupt installs a predicate that aborts the wait, typically the
// phase's cancellation flag. A worker observing cancellation leaves the
// phase without offering, so the offer count would otherwise never reach
// the worker total and the remaining offerers would spin forever.
func (t *Terminator) WithInterrupt(interrupt func() bool) *Terminator {
	t.interrupt = interrupt
	return t
}

// Offer announces that the caller has no work. It returns true when the
// phase has terminated and false when work reappeared; in the latter case
// the caller should go back to stealing.
func (t *Terminator) Offer() bool {
	if asserts && int(t.offered.Load()) >= t.workers {
		panic("gc: more termination offers than workers")
	}
	t.offered.Add(1)
	spins := 0
	for {
		if t.interrupt != nil && t.interrupt() {
			return true
		}
		if int(t.offered.Load()) == t.workers && !t.hasWork() {
			// Re-check after the loads above: with every worker inside
			// Offer there are no producers left, so an empty snapshot
			// taken twice is stable.
			if int(t.offered.Load()) == t.workers && !t.hasWork() {
				return true
			}
		}
		if t.hasWork() {
			t.offered.Add(-1)
			return false
		}
		if spins++; spins > hardSpinLimit {
			spins = 0
			runtime.Gosched()
		}
	}
}

// Reset prepares the detector for another phase. Must not be called while
// workers are offering.
func (t *Terminator) Reset() {
	t.offered.Store(0)
}
