package marker

import (
	"sync/atomic"

	"github.com/quillgc/quill/heap"
	"github.com/quillgc/quill/internal/taskqueue"
)

// Params are the marking tunables a Context is built with. Zero fields take
// the defaults below.
type Params struct {
	MinArrayChunking  int
	ArrayChunkSize    int
	StatsCacheEntries int
	QueueCapacityLog2 uint
}

const (
	defaultMinArrayChunking  = 1024
	defaultArrayChunkSize    = 512
	defaultStatsCacheEntries = 1024
	defaultQueueCapacityLog2 = 13
)

func (p Params) withDefaults() Params {
	if p.MinArrayChunking == 0 {
		p.MinArrayChunking = defaultMinArrayChunking
	}
	if p.ArrayChunkSize == 0 {
		p.ArrayChunkSize = defaultArrayChunkSize
	}
	if p.StatsCacheEntries == 0 {
		p.StatsCacheEntries = defaultStatsCacheEntries
	}
	if p.QueueCapacityLog2 == 0 {
		p.QueueCapacityLog2 = defaultQueueCapacityLog2
	}
	return p
}

// Context owns the shared state of one marking/compaction cycle: the
// per-worker managers, their queue sets, the partial array state arena and
// the shadow region pool. It is explicitly constructed at cycle start and
// torn down at cycle end; nothing here is process-global.
type Context struct {
	heap   *heap.Heap
	params Params

	managers      []*Manager
	markingQueues *taskqueue.Set[ScannerTask]
	regionQueues  *taskqueue.Set[int]
	arena         *StateArena
	shadow        *ShadowPool

	cancelled *atomic.Bool

	// classAlive answers whether a class's loader is still reachable; the
	// class-loading subsystem owns the real answer. Marking consults it
	// before retaining metadata references.
	classAlive func(class int32) bool

	// TraceMark, when set, observes every successful mark claim. Used by
	// verification and tests; nil in production cycles.
	TraceMark func(addr heap.Address)
}

// NewContext builds the shared state for a cycle with the given number of
// workers. cancelled is the cooperative cancellation flag, shared with the
// generation that owns the cycle; nil means the cycle is not cancellable.
func NewContext(h *heap.Heap, workers int, params Params, cancelled *atomic.Bool) *Context {
	if asserts && workers < 1 {
		panic("gc: cycle context needs at least one worker")
	}
	if cancelled == nil {
		cancelled = new(atomic.Bool)
	}
	params = params.withDefaults()
	ctx := &Context{
		heap:          h,
		params:        params,
		markingQueues: taskqueue.NewSet[ScannerTask](workers, params.QueueCapacityLog2),
		regionQueues:  taskqueue.NewSet[int](workers, params.QueueCapacityLog2),
		arena:         NewStateArena(),
		shadow:        NewShadowPool(),
		cancelled:     cancelled,
		classAlive:    func(int32) bool { return true },
	}
	ctx.managers = make([]*Manager, workers)
	for i := range ctx.managers {
		ctx.managers[i] = &Manager{
			id:      i,
			ctx:     ctx,
			marking: ctx.markingQueues.Queue(i),
			regions: ctx.regionQueues.Queue(i),
			stepper: ArrayStepper{
				MinChunking: params.MinArrayChunking,
				ChunkSize:   params.ArrayChunkSize,
			},
		}
	}
	return ctx
}

// SetClassAlive injects the class-alive query from the class-loading
// subsystem. Must be called before workers start.
func (c *Context) SetClassAlive(alive func(class int32) bool) {
	if alive != nil {
		c.classAlive = alive
	}
}

// Workers returns the number of managers in the cycle.
func (c *Context) Workers() int { return len(c.managers) }

// Manager returns the compaction manager for worker i.
func (c *Context) Manager(i int) *Manager { return c.managers[i] }

// Heap returns the heap this cycle operates on.
func (c *Context) Heap() *heap.Heap { return c.heap }

// ShadowPool returns the cycle's shadow region pool.
func (c *Context) ShadowPool() *ShadowPool { return c.shadow }

// Arena returns the cycle's partial array state arena.
func (c *Context) Arena() *StateArena { return c.arena }

// Cancelled reports whether cancellation has been requested. Workers poll
// this once per popped task.
func (c *Context) Cancelled() bool { return c.cancelled.Load() }

// NewMarkTerminator builds the termination detector for the marking phase.
// Cancellation interrupts the wait so no worker is stranded offering.
func (c *Context) NewMarkTerminator() *taskqueue.Terminator {
	return taskqueue.NewTerminator(len(c.managers), c.markingQueues.HasTasks).
		WithInterrupt(c.cancelled.Load)
}

// NewRegionTerminator builds the termination detector for the compaction
// phase's region queues.
func (c *Context) NewRegionTerminator() *taskqueue.Terminator {
	return taskqueue.NewTerminator(len(c.managers), c.regionQueues.HasTasks).
		WithInterrupt(c.cancelled.Load)
}

// StealTask takes a marking task from some queue other than queueIndex.
// Failure is not an error: the peers were empty or the caller lost a race.
func (c *Context) StealTask(queueIndex int, t *ScannerTask) bool {
	return c.markingQueues.Steal(queueIndex, t)
}

// StealRegion takes a region index from some peer's region queue.
func (c *Context) StealRegion(queueIndex int, index *int) bool {
	return c.regionQueues.Steal(queueIndex, index)
}

// VerifyAllMarkingStacksEmpty panics if any marking queue holds tasks.
// Called after the marking phase in debug builds.
func (c *Context) VerifyAllMarkingStacksEmpty() {
	if !asserts {
		return
	}
	if c.markingQueues.HasTasks() {
		panic("gc: marking stacks not empty after marking phase")
	}
}

// VerifyAllRegionStacksEmpty panics if any region queue holds entries.
// Called after compaction in debug builds.
func (c *Context) VerifyAllRegionStacksEmpty() {
	if !asserts {
		return
	}
	if c.regionQueues.HasTasks() {
		panic("gc: region stacks not empty after compaction phase")
	}
}
