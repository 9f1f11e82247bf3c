package marker

import (
	"github.com/quillgc/quill/heap"
	"github.com/quillgc/quill/internal/taskqueue"
)

// TaskStats are per-worker task queue statistics, reported at cycle end.
type TaskStats struct {
	ArrayChunkPushes     uint64
	ArrayChunkSteals     uint64
	ArraysChunked        uint64
	ArrayChunksProcessed uint64
	ObjectsMarked        uint64
}

// Add accumulates other into s.
func (s *TaskStats) Add(other TaskStats) {
	s.ArrayChunkPushes += other.ArrayChunkPushes
	s.ArrayChunkSteals += other.ArrayChunkSteals
	s.ArraysChunked += other.ArraysChunked
	s.ArrayChunksProcessed += other.ArrayChunksProcessed
	s.ObjectsMarked += other.ObjectsMarked
}

// Manager drives one worker's contribution to marking and compaction. It
// owns a marking stack, a region stack, a marking stats cache and the
// partial-array stepper. Everything on it is exclusively owned by its
// worker; cross-worker interaction happens only through the queue sets, the
// shadow pool and the shared region counters.
type Manager struct {
	id  int
	ctx *Context

	marking *taskqueue.Queue[ScannerTask]
	regions *taskqueue.Queue[int]
	stepper ArrayStepper

	// stats is created at the start of a marking phase and flushed and
	// destroyed at its end.
	stats *StatsCache

	// nextShadow is this worker's cursor into the striped shadow region
	// pre-assignment.
	nextShadow int

	taskStats TaskStats
}

// ID returns the worker index this manager belongs to.
func (m *Manager) ID() int { return m.id }

// TaskStats returns the statistics accumulated so far.
func (m *Manager) TaskStats() TaskStats { return m.taskStats }

// Push saves a task for later processing. It must not fail; the queue
// overflows rather than rejects.
func (m *Manager) Push(task ScannerTask) {
	m.marking.Push(task)
}

// PushRegion saves a region for the compaction phase.
func (m *Manager) PushRegion(index int) {
	m.regions.Push(index)
}

// MarkingStackEmpty reports whether the local marking stack is empty.
func (m *Manager) MarkingStackEmpty() bool { return m.marking.Empty() }

// CreateStatsCache installs a fresh marking stats cache. Called once per
// worker at the start of a marking phase.
func (m *Manager) CreateStatsCache() {
	if asserts && m.stats != nil {
		panic("gc: marking stats cache already exists")
	}
	m.stats = NewStatsCache(m.ctx.params.StatsCacheEntries, m.ctx.heap)
}

// FlushAndDestroyStatsCache evicts everything into the shared per-region
// counters and drops the cache. After every worker has done this, the
// finalized live-word totals are safe to read.
func (m *Manager) FlushAndDestroyStatsCache() {
	if m.stats == nil {
		return
	}
	m.stats.EvictAll()
	m.stats = nil
}

// MarkAndPush checks the mark state of ref and, if this worker claims it,
// records its live words and queues it for scanning. The mark bit is the
// deduplication point: exactly one worker pushes a given object per cycle.
func (m *Manager) MarkAndPush(ref heap.Address) {
	if ref == 0 {
		return
	}
	h := m.ctx.heap
	if asserts && !h.InHeap(ref) {
		panic("gc: marking a reference outside the heap")
	}
	if !h.TryMark(ref) {
		return
	}
	obj := h.Object(ref)
	if asserts && obj == nil {
		panic("gc: marked an address with no object")
	}
	m.taskStats.ObjectsMarked++
	if m.stats != nil {
		m.stats.Push(h.RegionIndexOf(ref), int64(obj.Words))
	}
	if m.ctx.TraceMark != nil {
		m.ctx.TraceMark(ref)
	}
	m.Push(TaskForObject(ref))
}

// FollowContents dispatches one popped task: objects get their interior
// references visited, array continuations process one chunk.
func (m *Manager) FollowContents(task ScannerTask) {
	if task.IsArrayState() {
		m.ProcessArrayChunk(task.ArrayState())
		return
	}
	obj := m.ctx.heap.Object(task.Object())
	if asserts && obj == nil {
		panic("gc: following a task with no object")
	}
	if obj.Array {
		m.PushObjArray(obj)
		return
	}
	for _, ref := range obj.Refs {
		m.MarkAndPush(ref)
	}
	if obj.Meta != 0 && m.ctx.classAlive(obj.Class) {
		m.MarkAndPush(obj.Meta)
	}
}

// PushObjArray publishes a newly discovered reference array. Large arrays
// are split into stealable chunks through a partial array state; small ones
// are scanned as a single task right here.
func (m *Manager) PushObjArray(obj *heap.Object) {
	if asserts && !obj.Array {
		panic("gc: chunking a non-array object")
	}
	n := len(obj.Elems)
	if !m.stepper.ShouldChunk(n) {
		m.FollowArray(obj, 0, n)
		return
	}
	id := m.ctx.arena.Alloc(obj.Addr, n)
	m.taskStats.ArraysChunked++
	m.taskStats.ArrayChunkPushes++
	m.Push(TaskForArrayState(id))
}

// FollowArray scans elements [start, end) of an array, marking and pushing
// each reachable referent.
func (m *Manager) FollowArray(obj *heap.Object, start, end int) {
	if asserts && (start < 0 || end > len(obj.Elems) || start > end) {
		panic("gc: array scan range out of bounds")
	}
	for _, ref := range obj.Elems[start:end] {
		m.MarkAndPush(ref)
	}
}

// ProcessArrayChunk claims and scans one chunk of a partial array. If
// elements remain it republishes continuations first, so peers can steal
// the remainder while this worker scans.
func (m *Manager) ProcessArrayChunk(id StateID) {
	arena := m.ctx.arena
	s := arena.Get(id)
	step := m.stepper.Next(s)
	if step.End > step.Start {
		if step.Push > 0 {
			arena.AddRef(id, int32(step.Push))
			for i := 0; i < step.Push; i++ {
				m.taskStats.ArrayChunkPushes++
				m.Push(TaskForArrayState(id))
			}
		}
		obj := m.ctx.heap.Object(s.array)
		if asserts && (obj == nil || !obj.Array) {
			panic("gc: partial array state does not reference an array")
		}
		m.FollowArray(obj, step.Start, step.End)
		m.taskStats.ArrayChunksProcessed++
	}
	arena.Release(id)
}

// FollowMarkingStacks processes tasks from the local marking stack until it
// is empty or cancellation is observed. Cancellation is polled once per
// popped task so latency stays bounded by one task's processing time.
func (m *Manager) FollowMarkingStacks() {
	var task ScannerTask
	for m.marking.PopLocal(&task) {
		m.FollowContents(task)
		if m.ctx.Cancelled() {
			return
		}
	}
}

// Steal attempts to take a marking task from a peer's queue. A false result
// means the peers appeared empty or the race was lost; the caller retries
// or offers termination.
func (m *Manager) Steal(t *ScannerTask) bool {
	if !m.ctx.StealTask(m.id, t) {
		return false
	}
	if t.IsArrayState() {
		m.taskStats.ArrayChunkSteals++
	}
	return true
}

// MarkLoop is the marking phase body for one worker: drain the local stack,
// steal from peers, and offer termination when both fail. It returns when
// the phase terminates or cancellation is observed.
func (m *Manager) MarkLoop(terminator *taskqueue.Terminator) {
	for {
		m.FollowMarkingStacks()
		if m.ctx.Cancelled() {
			return
		}
		var task ScannerTask
		if m.Steal(&task) {
			m.FollowContents(task)
			continue
		}
		if terminator.Offer() {
			return
		}
	}
}

// DrainRegionStacks processes the region-relocation queue until global
// exhaustion, stealing region work from peers once the local queue is
// empty. process relocates or compacts one region; it runs outside any
// pool or queue lock.
func (m *Manager) DrainRegionStacks(terminator *taskqueue.Terminator, process func(regionIndex int)) {
	for {
		var index int
		for m.regions.PopLocal(&index) {
			process(index)
			if m.ctx.Cancelled() {
				return
			}
		}
		if m.ctx.Cancelled() {
			return
		}
		if m.ctx.StealRegion(m.id, &index) {
			process(index)
			continue
		}
		if terminator.Offer() {
			return
		}
	}
}

// NextShadowRegion returns this worker's shadow pre-assignment cursor.
func (m *Manager) NextShadowRegion() int { return m.nextShadow }

// SetNextShadowRegion repositions the cursor.
func (m *Manager) SetNextShadowRegion(index int) { m.nextShadow = index }

// MoveNextShadowRegionBy advances the cursor by the worker count, striding
// over the other workers' pre-assigned regions, and returns the new value.
func (m *Manager) MoveNextShadowRegionBy(workers int) int {
	m.nextShadow += workers
	return m.nextShadow
}
