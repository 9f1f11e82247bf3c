package oldgen

import (
	"fmt"
	"sync/atomic"

	"github.com/quillgc/quill/gclog"
	"github.com/quillgc/quill/heap"
)

// Heuristics is the scheduling collaborator: it learns cycle outcomes so it
// can adapt when to trigger the next cycle and how large a collection set
// to pick. The policy itself lives outside this package.
type Heuristics interface {
	// RecordSuccessConcurrent reports a completed concurrent cycle.
	// abbreviated flags a cycle that completed fewer phases than normal,
	// such as one with nothing to mark.
	RecordSuccessConcurrent(abbreviated bool)
}

type nopHeuristics struct{}

func (nopHeuristics) RecordSuccessConcurrent(bool) {}

// Generation is the old generation undergoing mostly-concurrent collection.
type Generation struct {
	heap *heap.Heap
	log  gclog.Logger

	heuristics Heuristics
	satb       *SATBQueueSet

	state          atomic.Int32
	cancelled      atomic.Bool
	markInProgress atomic.Bool

	// Orchestrator-only fields; never touched by workers.
	needsFill     bool
	collectionSet []int

	// pending seeds the next cycle's old mark queues with references that
	// survived SATB purification.
	pending []heap.Address
}

// New creates an idle old generation over h. A nil heuristics or log gets a
// no-op implementation.
func New(h *heap.Heap, heuristics Heuristics, log gclog.Logger) *Generation {
	if heuristics == nil {
		heuristics = nopHeuristics{}
	}
	if log == nil {
		log = gclog.Discard
	}
	return &Generation{
		heap:       h,
		log:        log,
		heuristics: heuristics,
		satb:       NewSATBQueueSet(),
	}
}

// Name returns the generation name used in logs and pool reporting.
func (g *Generation) Name() string { return "OLD" }

// State returns the current lifecycle state.
func (g *Generation) State() State { return State(g.state.Load()) }

// CanStartGC reports whether a new concurrent old cycle may begin. This is
// the sole admission gate; starting a cycle in any other state is a logic
// error.
func (g *Generation) CanStartGC() bool {
	s := g.State()
	return s == Idle || s == WaitingForFill
}

// TransitionTo moves the state machine along one validated edge. Only the
// orchestrating goroutine may call this, at phase boundaries.
func (g *Generation) TransitionTo(to State) {
	from := g.State()
	if asserts && !validTransition(from, to) {
		panic(fmt.Sprintf("gc: illegal old generation transition %s -> %s", from, to))
	}
	g.state.Store(int32(to))
	g.log.Debugf("old generation transition %s -> %s", from, to)
}

// Contains reports whether the region belongs to the old generation.
func (g *Generation) Contains(r *heap.Region) bool {
	return r.Gen() == heap.GenOld
}

// ContainsAddr reports whether addr lies in an old region.
func (g *Generation) ContainsAddr(addr heap.Address) bool {
	return g.heap.InHeap(addr) && g.heap.RegionOf(addr).Gen() == heap.GenOld
}

// HeapRegionIterate applies f to every old region.
func (g *Generation) HeapRegionIterate(f func(*heap.Region)) {
	for i := 0; i < g.heap.RegionCount(); i++ {
		if r := g.heap.Region(i); r.Gen() == heap.GenOld {
			f(r)
		}
	}
}

// SATB returns the write-barrier buffer set mutators enqueue into.
func (g *Generation) SATB() *SATBQueueSet { return g.satb }

// SetConcurrentMarkInProgress flips the old-mark flag workers and barriers
// observe.
func (g *Generation) SetConcurrentMarkInProgress(inProgress bool) {
	g.markInProgress.Store(inProgress)
}

// IsConcurrentMarkInProgress reports whether old marking is underway.
func (g *Generation) IsConcurrentMarkInProgress() bool {
	return g.markInProgress.Load()
}

// CancelMarking requests cooperative termination of an in-progress
// concurrent mark. Safe to call from any thread: it only sets a flag that
// workers poll at task granularity, never touching shared marking state.
func (g *Generation) CancelMarking() {
	g.log.Infof("old generation marking cancelled")
	g.cancelled.Store(true)
}

// CancelFlag exposes the cancellation flag for wiring into a cycle
// context.
func (g *Generation) CancelFlag() *atomic.Bool { return &g.cancelled }

// IsMarkingCancelled reports whether cancellation was requested.
func (g *Generation) IsMarkingCancelled() bool { return g.cancelled.Load() }

// PrepareGC establishes a clean slate for a cycle: mark bits and old-region
// live-word counters reset, cancellation cleared. Must run while no worker
// mutates region occupancy.
func (g *Generation) PrepareGC() {
	g.cancelled.Store(false)
	g.heap.ResetMarks()
	g.HeapRegionIterate(func(r *heap.Region) {
		r.ResetLiveWords()
	})
	g.collectionSet = nil
}

// PrepareRegionsAndCollectionSet snapshots the old regions eligible for
// evacuation this cycle: regular regions whose finalized live words fall
// short of their used words, i.e. regions containing garbage. Requires all
// marking stats to be flushed; must not run concurrently with marking.
func (g *Generation) PrepareRegionsAndCollectionSet(concurrent bool) {
	if asserts && g.State() != WaitingForEvac {
		panic("gc: collection set chosen outside the evacuation window")
	}
	g.collectionSet = g.collectionSet[:0]
	g.HeapRegionIterate(func(r *heap.Region) {
		if r.State() != heap.RegionRegular {
			return
		}
		if r.LiveWords() < int64(r.UsedWords()) {
			g.collectionSet = append(g.collectionSet, r.Index())
		}
	})
	mode := "at pause"
	if concurrent {
		mode = "concurrently"
	}
	g.log.Debugf("old generation collection set chosen %s: %d regions", mode, len(g.collectionSet))
}

// CollectionSet returns the region indices chosen for evacuation.
func (g *Generation) CollectionSet() []int { return g.collectionSet }

// TransferPointersFromSATB purges the buffered write-barrier records, once,
// after reference update. Records pointing into trashed regions or at
// already-marked referents are dropped; the survivors seed the next cycle's
// old mark queues. Runs only if old marking was in progress; skipping it in
// that case would let dangling references corrupt the next cycle's marking.
func (g *Generation) TransferPointersFromSATB() (retained, purged int) {
	if !g.IsConcurrentMarkInProgress() {
		return 0, 0
	}
	for _, addr := range g.satb.drain() {
		if !g.heap.InHeap(addr) ||
			g.heap.RegionOf(addr).State() == heap.RegionTrash ||
			g.heap.IsMarked(addr) ||
			g.heap.Object(addr) == nil {
			// The last case catches records whose referent was reclaimed
			// after its region was already recycled out of the Trash state.
			purged++
			continue
		}
		g.pending = append(g.pending, addr)
		retained++
	}
	g.log.Debugf("satb transfer: %d retained, %d purged", retained, purged)
	return retained, purged
}

// TakePendingMarks hands over the references retained by SATB purification
// so the next cycle can publish them as roots.
func (g *Generation) TakePendingMarks() []heap.Address {
	pending := g.pending
	g.pending = nil
	return pending
}

// SetNeedsFill flags that old regions hold unparseable dead ranges and the
// next cycle must start with a fill pass.
func (g *Generation) SetNeedsFill(needs bool) { g.needsFill = needs }

// NeedsFill reports whether a coalesce-and-fill pass is due.
func (g *Generation) NeedsFill() bool { return g.needsFill }

// CoalesceAndFill walks the old regions and fills the ranges occupied by
// dead objects, keeping the regions parseable for the next mark. An object
// is dead only if the last completed mark covered its address and left it
// unmarked; anything above a region's watermark arrived after that mark and
// is spared. It returns false if cancellation interrupted the pass; the
// caller then parks the generation in WaitingForFill and resumes later.
func (g *Generation) CoalesceAndFill() bool {
	if asserts && g.State() != Filling {
		panic("gc: coalesce and fill outside the Filling state")
	}
	filled := 0
	done := true
	g.HeapRegionIterate(func(r *heap.Region) {
		if !done || r.State() != heap.RegionRegular {
			return
		}
		if g.cancelled.Load() {
			done = false
			return
		}
		for _, obj := range g.heap.ObjectsIn(r) {
			if r.MarkCovered(obj.Addr) && !g.heap.IsMarked(obj.Addr) {
				g.heap.DropObject(obj.Addr)
				filled++
			}
		}
	})
	if done {
		g.needsFill = false
	}
	g.log.Debugf("old generation coalesce and fill: %d dead objects filled, complete=%v", filled, done)
	return done
}

// RecordSuccessConcurrent reports cycle success to the heuristics
// collaborator.
func (g *Generation) RecordSuccessConcurrent(abbreviated bool) {
	g.log.Infof("old generation concurrent cycle complete (abbreviated=%v)", abbreviated)
	g.heuristics.RecordSuccessConcurrent(abbreviated)
}
