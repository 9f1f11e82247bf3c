// Package collector orchestrates a concurrent old-generation collection
// cycle: bootstrap, parallel marking, collection set selection, shadow
// region evacuation, reference update and cleanup. Worker parallelism and
// task distribution live in package marker; this package owns the phase
// sequencing and the generation state machine driving.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/quillgc/quill/gclog"
	"github.com/quillgc/quill/heap"
	"github.com/quillgc/quill/marker"
	"github.com/quillgc/quill/oldgen"
)

// ErrCycleInProgress is returned when a cycle is requested while the old
// generation is not in an admissible state.
var ErrCycleInProgress = errors.New("gc: old collection cycle already in progress")

// CycleResult summarizes a completed (or cancelled) old cycle.
type CycleResult struct {
	// Cancelled is set when cooperative cancellation interrupted the
	// cycle. The heap is consistent either way.
	Cancelled bool
	// Abbreviated is set when the cycle found nothing to mark and skipped
	// evacuation.
	Abbreviated bool

	ObjectsMarked    int
	ObjectsEvacuated int
	RegionsEvacuated int
	RegionsInPlace   int
	SATBRetained     int
	SATBPurged       int

	Stats marker.TaskStats
}

// Collector runs concurrent collection cycles over one heap and one old
// generation. Not safe for concurrent RunOldCycle calls; the admission gate
// rejects overlapping cycles.
type Collector struct {
	heap    *heap.Heap
	old     *oldgen.Generation
	log     gclog.Logger
	workers int
	params  marker.Params

	// classAlive answers whether class metadata with the given id is
	// still reachable from a loader; dead classes do not keep their
	// mirrors alive through the Meta edge.
	classAlive func(class int32) bool

	// traceMark, when set, observes every address claimed by marking.
	traceMark func(heap.Address)
}

// New creates a collector driving h's old generation with the given worker
// count. A nil log discards output.
func New(h *heap.Heap, old *oldgen.Generation, workers int, params marker.Params, log gclog.Logger) *Collector {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = gclog.Discard
	}
	return &Collector{
		heap:    h,
		old:     old,
		log:     log,
		workers: workers,
		params:  params,
	}
}

// SetClassAlive installs the class liveness query used during marking.
func (c *Collector) SetClassAlive(alive func(class int32) bool) {
	c.classAlive = alive
}

// SetTraceMark installs an observer called for every address claimed by
// marking. Test and diagnostics hook.
func (c *Collector) SetTraceMark(trace func(heap.Address)) {
	c.traceMark = trace
}

// evacPair records one evacuated source region and the shadow region that
// received its survivors. Collected under the marker context's region drain;
// each region index is processed by exactly one worker, and pairs are
// appended through a channel sized for the whole collection set.
type evacPair struct {
	source int
	shadow int
	moved  int64
	count  int
}

// RunOldCycle runs one concurrent old-generation cycle with the given root
// set. Root slots are rewritten in place when their referents move. It
// returns ErrCycleInProgress if the generation cannot admit a cycle.
func (c *Collector) RunOldCycle(ctx context.Context, roots []heap.Address) (*CycleResult, error) {
	if !c.old.CanStartGC() {
		return nil, fmt.Errorf("%w: state %s", ErrCycleInProgress, c.old.State())
	}
	result := &CycleResult{}

	// Filling happens before marking so that old regions are parseable.
	if c.old.NeedsFill() {
		c.old.TransitionTo(oldgen.Filling)
		if !c.old.CoalesceAndFill() {
			c.old.TransitionTo(oldgen.WaitingForFill)
			result.Cancelled = true
			return result, nil
		}
		c.old.TransitionTo(oldgen.Marking)
	} else {
		c.old.TransitionTo(oldgen.Bootstrapping)
		c.old.TransitionTo(oldgen.Marking)
	}

	c.old.PrepareGC()
	c.old.SetConcurrentMarkInProgress(true)

	mctx := marker.NewContext(c.heap, c.workers, c.params, c.old.CancelFlag())
	if c.classAlive != nil {
		mctx.SetClassAlive(c.classAlive)
	}
	mctx.TraceMark = c.traceMark

	c.mark(ctx, mctx, roots, result)

	if c.old.IsMarkingCancelled() {
		c.abortAfterMarking(mctx, result)
		return result, nil
	}

	mctx.VerifyAllMarkingStacksEmpty()
	// Everything allocated from here on is above its region's watermark and
	// therefore exempt from this mark's verdict.
	c.heap.RecordMarkWatermarks()
	c.old.TransitionTo(oldgen.WaitingForEvac)

	if result.ObjectsMarked == 0 {
		result.Abbreviated = true
		c.finish(mctx, result)
		return result, nil
	}

	c.old.PrepareRegionsAndCollectionSet(true)
	pairs := c.evacuate(ctx, mctx, result)
	c.updateReferences(roots)
	c.cleanup(mctx, pairs, result)

	if c.old.IsMarkingCancelled() {
		result.Cancelled = true
	}
	c.finish(mctx, result)
	return result, nil
}

// mark runs the parallel marking phase: bootstrap the root set, then let
// every worker drain and steal until the terminator fires.
func (c *Collector) mark(ctx context.Context, mctx *marker.Context, roots []heap.Address, result *CycleResult) {
	pending := c.old.TakePendingMarks()
	c.log.Debugf("marking with %d workers, %d roots, %d retained satb records",
		c.workers, len(roots), len(pending))

	for i := 0; i < mctx.Workers(); i++ {
		mctx.Manager(i).CreateStatsCache()
	}
	for i, root := range roots {
		mctx.Manager(i % mctx.Workers()).MarkAndPush(root)
	}
	for i, root := range pending {
		mctx.Manager(i % mctx.Workers()).MarkAndPush(root)
	}

	term := mctx.NewMarkTerminator()
	grp, _ := errgroup.WithContext(ctx)
	for i := 0; i < mctx.Workers(); i++ {
		m := mctx.Manager(i)
		grp.Go(func() error {
			m.MarkLoop(term)
			return nil
		})
	}
	// Workers return nil; Wait is only a join point.
	_ = grp.Wait()

	for i := 0; i < mctx.Workers(); i++ {
		m := mctx.Manager(i)
		m.FlushAndDestroyStatsCache()
		result.Stats.Add(m.TaskStats())
	}
	result.ObjectsMarked = int(result.Stats.ObjectsMarked)
	c.log.Infof("marking done: %d objects, %d arrays chunked, %d chunk steals",
		result.ObjectsMarked, result.Stats.ArraysChunked, result.Stats.ArrayChunkSteals)
}

// evacuate stages shadow regions, distributes the collection set across the
// workers and moves live objects out of each chosen region. Regions that
// cannot get a shadow are compacted in place, which leaves dead ranges and
// schedules a fill pass for the next cycle.
func (c *Collector) evacuate(ctx context.Context, mctx *marker.Context, result *CycleResult) []evacPair {
	cset := c.old.CollectionSet()
	if len(cset) == 0 {
		return nil
	}

	staged := c.stageShadowRegions(mctx)
	c.log.Debugf("evacuating %d regions with %d shadow regions staged", len(cset), staged)

	for i, regionIndex := range cset {
		mctx.Manager(i % mctx.Workers()).PushRegion(regionIndex)
	}

	pairCh := make(chan evacPair, len(cset))
	var inPlace atomic.Int32
	term := mctx.NewRegionTerminator()
	grp, _ := errgroup.WithContext(ctx)
	for i := 0; i < mctx.Workers(); i++ {
		m := mctx.Manager(i)
		grp.Go(func() error {
			m.DrainRegionStacks(term, func(regionIndex int) {
				if pair, ok := c.evacuateRegion(mctx, regionIndex); ok {
					pairCh <- pair
				} else {
					inPlace.Add(1)
				}
			})
			return nil
		})
	}
	_ = grp.Wait()
	close(pairCh)

	var pairs []evacPair
	for pair := range pairCh {
		pairs = append(pairs, pair)
		result.ObjectsEvacuated += pair.count
	}
	result.RegionsEvacuated = len(pairs)
	result.RegionsInPlace = int(inPlace.Load())
	if !c.old.IsMarkingCancelled() {
		mctx.VerifyAllRegionStacksEmpty()
	}
	return pairs
}

// stageShadowRegions seeds the shadow pool with free regions, up to one
// more than the worker count. Each worker's shadow cursor walks its stripe
// of the region table, so the scan is spread rather than clustered at the
// low indices.
func (c *Collector) stageShadowRegions(mctx *marker.Context) int {
	limit := c.workers + 1
	staged := 0
	for w := 0; w < mctx.Workers() && staged < limit; w++ {
		m := mctx.Manager(w)
		m.SetNextShadowRegion(w)
		for idx := m.NextShadowRegion(); idx < c.heap.RegionCount() && staged < limit; idx = m.MoveNextShadowRegionBy(mctx.Workers()) {
			if c.heap.Region(idx).State() == heap.RegionFree {
				c.heap.SetRegionState(idx, heap.RegionShadow)
				mctx.ShadowPool().Stage(idx)
				staged++
			}
		}
	}
	return staged
}

// evacuateRegion moves the marked objects of one collection set region into
// a shadow region. Returns false when the pool was empty and the region was
// compacted in place instead.
func (c *Collector) evacuateRegion(mctx *marker.Context, regionIndex int) (evacPair, bool) {
	r := c.heap.Region(regionIndex)
	shadowIndex := mctx.ShadowPool().Pop()
	if shadowIndex == marker.InvalidShadow {
		c.compactInPlace(r)
		return evacPair{}, false
	}

	c.heap.SetRegionGen(shadowIndex, heap.GenOld)
	dst := c.heap.Region(shadowIndex)
	pair := evacPair{source: regionIndex, shadow: shadowIndex}
	for _, obj := range c.heap.ObjectsIn(r) {
		if r.MarkCovered(obj.Addr) && !c.heap.IsMarked(obj.Addr) {
			c.heap.DropObject(obj.Addr)
			continue
		}
		if _, ok := c.heap.MoveObject(obj.Addr, dst); !ok {
			// Survivors of one region always fit in one empty shadow
			// region of the same size.
			panic("gc: shadow region overflow during evacuation")
		}
		pair.moved += int64(obj.Words)
		pair.count++
	}
	return pair, true
}

// compactInPlace discards the dead objects of a region without moving the
// survivors. The bump pointer is not rewound, so the region keeps
// unparseable dead ranges until the next fill pass.
func (c *Collector) compactInPlace(r *heap.Region) {
	for _, obj := range c.heap.ObjectsIn(r) {
		if r.MarkCovered(obj.Addr) && !c.heap.IsMarked(obj.Addr) {
			c.heap.DropObject(obj.Addr)
		}
	}
	c.old.SetNeedsFill(true)
}

// updateReferences rewrites every reference to an evacuated object through
// its forwarding pointer, including the caller's root slots. Runs single
// threaded after all moves are done.
func (c *Collector) updateReferences(roots []heap.Address) {
	forward := func(addr heap.Address) heap.Address {
		if obj := c.heap.Object(addr); obj != nil && obj.Forward != 0 {
			return obj.Forward
		}
		return addr
	}
	for i, root := range roots {
		roots[i] = forward(root)
	}
	for _, obj := range c.heap.AllObjects() {
		if obj.Forward != 0 {
			// Stale source copy, about to be dropped.
			continue
		}
		for i, ref := range obj.Refs {
			obj.Refs[i] = forward(ref)
		}
		for i, elem := range obj.Elems {
			obj.Elems[i] = forward(elem)
		}
		obj.Meta = forward(obj.Meta)
	}
}

// cleanup drops the stale source copies, promotes the filled shadow regions
// to regular old regions and recycles each emptied source region into the
// pool, balancing the pop that claimed its shadow.
func (c *Collector) cleanup(mctx *marker.Context, pairs []evacPair, result *CycleResult) {
	for _, pair := range pairs {
		src := c.heap.Region(pair.source)
		for _, obj := range c.heap.ObjectsIn(src) {
			if obj.Forward == 0 {
				panic("gc: unforwarded object left in an evacuated region")
			}
			c.heap.DropObject(obj.Addr)
		}
		c.heap.SetRegionState(pair.source, heap.RegionTrash)
		c.heap.ResetRegion(pair.source)

		c.heap.SetRegionState(pair.shadow, heap.RegionRegular)
		c.heap.AddLive(pair.shadow, pair.moved)

		c.heap.SetRegionState(pair.source, heap.RegionShadow)
		mctx.ShadowPool().Push(pair.source)
	}
}

// abortAfterMarking unwinds a cycle whose marking was cancelled. The
// per-worker stats are already flushed, so region live words stay monotone;
// the state machine walks its legal path back to Idle.
func (c *Collector) abortAfterMarking(mctx *marker.Context, result *CycleResult) {
	result.Cancelled = true
	c.old.TransitionTo(oldgen.WaitingForEvac)
	c.finish(mctx, result)
}

// finish releases the shadow pool, transfers the surviving write barrier
// records and returns the generation to Idle.
func (c *Collector) finish(mctx *marker.Context, result *CycleResult) {
	for _, index := range mctx.ShadowPool().RemoveAll() {
		c.heap.SetRegionState(index, heap.RegionFree)
	}
	if outstanding := mctx.ShadowPool().Outstanding(); outstanding != 0 {
		panic(fmt.Sprintf("gc: %d shadow regions still checked out at cycle end", outstanding))
	}

	result.SATBRetained, result.SATBPurged = c.old.TransferPointersFromSATB()
	c.old.SetConcurrentMarkInProgress(false)
	c.old.TransitionTo(oldgen.Idle)
	if !result.Cancelled {
		c.old.RecordSuccessConcurrent(result.Abbreviated)
	}
}
