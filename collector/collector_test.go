package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillgc/quill/heap"
	"github.com/quillgc/quill/marker"
	"github.com/quillgc/quill/oldgen"
)

type recordingHeuristics struct {
	successes   int
	abbreviated []bool
}

func (r *recordingHeuristics) RecordSuccessConcurrent(abbreviated bool) {
	r.successes++
	r.abbreviated = append(r.abbreviated, abbreviated)
}

func newCycleFixture(t *testing.T, regions, regionWords, workers int) (*heap.Heap, *oldgen.Generation, *Collector, *recordingHeuristics) {
	t.Helper()
	h := heap.New(regions, regionWords)
	rec := &recordingHeuristics{}
	old := oldgen.New(h, rec, nil)
	col := New(h, old, workers, marker.Params{}, nil)
	return h, old, col, rec
}

// buildChain allocates n old objects where each holds a reference to the
// previous, returning the head and every address.
func buildChain(t *testing.T, h *heap.Heap, n int) (heap.Address, []heap.Address) {
	t.Helper()
	var prev heap.Address
	addrs := make([]heap.Address, 0, n)
	for i := 0; i < n; i++ {
		var (
			addr heap.Address
			err  error
		)
		if prev == 0 {
			addr, err = h.Alloc(heap.GenOld)
		} else {
			addr, err = h.Alloc(heap.GenOld, prev)
		}
		require.NoError(t, err)
		addrs = append(addrs, addr)
		prev = addr
	}
	return prev, addrs
}

func TestFullCycleEvacuatesGarbageAndRewritesReferences(t *testing.T) {
	h, old, col, rec := newCycleFixture(t, 8, 64, 2)

	leaf, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	garbage := make([]heap.Address, 0, 5)
	for i := 0; i < 5; i++ {
		g, err := h.Alloc(heap.GenOld)
		require.NoError(t, err)
		garbage = append(garbage, g)
	}
	root, err := h.Alloc(heap.GenOld, leaf)
	require.NoError(t, err)
	sourceRegion := h.RegionIndexOf(root)

	roots := []heap.Address{root}
	res, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.False(t, res.Abbreviated)
	assert.Equal(t, 2, res.ObjectsMarked)
	assert.Equal(t, 1, res.RegionsEvacuated)
	assert.Equal(t, 2, res.ObjectsEvacuated)

	// The root slot was rewritten to the evacuated copy, and the copy's
	// reference was rewritten to the evacuated leaf.
	require.NotEqual(t, root, roots[0])
	moved := h.Object(roots[0])
	require.NotNil(t, moved)
	require.Len(t, moved.Refs, 1)
	movedLeaf := h.Object(moved.Refs[0])
	require.NotNil(t, movedLeaf)
	assert.Zero(t, moved.Forward)
	assert.Zero(t, movedLeaf.Forward)

	// Garbage is gone, the source region was recycled, and the receiving
	// region carries the survivors' live words.
	for _, g := range garbage {
		assert.Nil(t, h.Object(g))
	}
	assert.Equal(t, heap.RegionFree, h.Region(sourceRegion).State())
	dst := h.RegionOf(roots[0])
	assert.Equal(t, heap.RegionRegular, dst.State())
	assert.Equal(t, heap.GenOld, dst.Gen())
	assert.Equal(t, int64(moved.Words+movedLeaf.Words), dst.LiveWords())

	assert.Equal(t, oldgen.Idle, old.State())
	assert.True(t, old.CanStartGC())
	assert.Equal(t, 1, rec.successes)
	assert.Equal(t, []bool{false}, rec.abbreviated)
}

func TestAbbreviatedCycleWithNothingToMark(t *testing.T) {
	h, old, col, rec := newCycleFixture(t, 4, 64, 2)
	_, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)

	res, err := col.RunOldCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Abbreviated)
	assert.Zero(t, res.ObjectsMarked)
	assert.Zero(t, res.RegionsEvacuated)
	assert.Equal(t, oldgen.Idle, old.State())
	assert.Equal(t, []bool{true}, rec.abbreviated)
}

func TestCycleRejectedOutsideAdmissibleStates(t *testing.T) {
	_, old, col, _ := newCycleFixture(t, 4, 64, 1)
	old.TransitionTo(oldgen.Bootstrapping)
	old.TransitionTo(oldgen.Marking)

	res, err := col.RunOldCycle(context.Background(), nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestCancelledCycleLeavesConsistentIdleState(t *testing.T) {
	h, old, col, rec := newCycleFixture(t, 8, 256, 2)
	head, addrs := buildChain(t, h, 60)

	var marks atomic.Int32
	col.SetTraceMark(func(heap.Address) {
		if marks.Add(1) == 5 {
			old.CancelMarking()
		}
	})

	roots := []heap.Address{head}
	res, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.RegionsEvacuated)

	// No evacuation happened, the generation is Idle, the shadow pool is
	// balanced and nothing was reported to the heuristics.
	assert.Equal(t, oldgen.Idle, old.State())
	assert.True(t, old.CanStartGC())
	assert.Zero(t, rec.successes)
	for _, addr := range addrs {
		assert.NotNil(t, h.Object(addr))
	}

	// The next cycle runs to completion.
	res2, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)
	assert.False(t, res2.Cancelled)
	assert.Equal(t, len(addrs), res2.ObjectsMarked)
	assert.Equal(t, 1, rec.successes)
}

func TestInPlaceFallbackSchedulesFillPass(t *testing.T) {
	// Every region holds objects, so no free region can be staged as a
	// shadow and compaction falls back to in place.
	h, old, col, _ := newCycleFixture(t, 2, 16, 1)
	var keep []heap.Address
	for {
		a, err := h.Alloc(heap.GenOld)
		if err != nil {
			break
		}
		keep = append(keep, a)
	}
	require.NotEmpty(t, keep)

	// Only the first object is a root; the rest are garbage.
	roots := []heap.Address{keep[0]}
	res, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)

	assert.Zero(t, res.RegionsEvacuated)
	assert.Positive(t, res.RegionsInPlace)
	assert.True(t, old.NeedsFill())
	assert.NotNil(t, h.Object(roots[0]))
	for _, a := range keep[1:] {
		assert.Nil(t, h.Object(a))
	}

	// The follow-up cycle starts with the fill pass. With still no free
	// region to stage, it again compacts in place and re-schedules a fill.
	res2, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)
	assert.False(t, res2.Cancelled)
	assert.Positive(t, res2.RegionsInPlace)
	assert.True(t, old.NeedsFill())
	assert.NotNil(t, h.Object(roots[0]))
}

// TestFillPassSparesObjectsAllocatedBetweenCycles allocates a new live
// root after a cycle that scheduled a fill pass. The object is unmarked
// in the previous cycle's bitmap but above its region's watermark, so the
// fill must not touch it and the follow-up cycle marks it normally.
func TestFillPassSparesObjectsAllocatedBetweenCycles(t *testing.T) {
	h, old, col, _ := newCycleFixture(t, 2, 16, 1)

	root, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	for i := 0; i < 7; i++ { // fill region 0 with garbage
		_, err := h.Alloc(heap.GenOld)
		require.NoError(t, err)
	}
	_, err = h.Alloc(heap.GenOld) // occupy region 1 so nothing is free
	require.NoError(t, err)

	res, err := col.RunOldCycle(context.Background(), []heap.Address{root})
	require.NoError(t, err)
	require.Positive(t, res.RegionsInPlace)
	require.True(t, old.NeedsFill())

	newRoot, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)

	roots := []heap.Address{root, newRoot}
	res2, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)
	assert.False(t, res2.Cancelled)
	assert.Equal(t, 2, res2.ObjectsMarked)
	assert.NotNil(t, h.Object(roots[0]))
	assert.NotNil(t, h.Object(roots[1]), "object allocated between cycles survives the fill pass")
}

// TestFillPassSparesEvacuatedSurvivors drives a collection set larger than
// the staged-shadow budget, so some regions evacuate and some fall back to
// in place. The follow-up cycle's fill pass must keep the survivors living
// at their post-evacuation addresses.
func TestFillPassSparesEvacuatedSurvivors(t *testing.T) {
	h, old, col, _ := newCycleFixture(t, 8, 8, 1)

	// Four regions of leaf+root+garbage (7 of 8 words, so each group gets
	// its own region); four regions stay free, but one worker stages only
	// two shadows.
	var roots []heap.Address
	for i := 0; i < 4; i++ {
		leaf, err := h.Alloc(heap.GenOld)
		require.NoError(t, err)
		root, err := h.Alloc(heap.GenOld, leaf)
		require.NoError(t, err)
		_, err = h.Alloc(heap.GenOld)
		require.NoError(t, err)
		roots = append(roots, root)
	}

	res, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RegionsEvacuated)
	assert.Equal(t, 2, res.RegionsInPlace)
	require.True(t, old.NeedsFill())

	res2, err := col.RunOldCycle(context.Background(), roots)
	require.NoError(t, err)
	assert.False(t, res2.Cancelled)
	assert.Equal(t, 8, res2.ObjectsMarked)
	assert.False(t, old.NeedsFill())
	for i, root := range roots {
		obj := h.Object(root)
		require.NotNil(t, obj, "root %d survives the fill pass", i)
		require.Len(t, obj.Refs, 1)
		assert.NotNil(t, h.Object(obj.Refs[0]), "leaf %d survives the fill pass", i)
	}
}

// TestPoolReportingDuringActiveCycle polls the memory pool from another
// goroutine while cycles run. Snapshots must stay within capacity bounds;
// under the race detector this also proves the reads are synchronized.
func TestPoolReportingDuringActiveCycle(t *testing.T) {
	h, _, col, _ := newCycleFixture(t, 8, 64, 2)
	head, _ := buildChain(t, h, 30)
	roots := []heap.Address{head}

	pool := heap.NewOldGenPool(h)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			usage := pool.GetUsage()
			if usage.Used < 0 || usage.Used > usage.Max || usage.Committed > usage.Max {
				t.Errorf("inconsistent usage snapshot: %+v", usage)
				return
			}
			_ = pool.UsedInBytes()
		}
	}()

	for i := 0; i < 3; i++ {
		for j := 0; j < 10; j++ {
			if _, err := h.Alloc(heap.GenOld); err != nil {
				break
			}
		}
		_, err := col.RunOldCycle(context.Background(), roots)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}

func TestSATBRecordsCarryIntoNextCycle(t *testing.T) {
	h, old, col, _ := newCycleFixture(t, 4, 64, 2)
	hidden, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	old.SATB().Enqueue(hidden)

	// First cycle has no roots: abbreviated, but the barrier record is
	// retained because its referent was never marked.
	res, err := col.RunOldCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Abbreviated)
	assert.Equal(t, 1, res.SATBRetained)
	assert.Zero(t, res.SATBPurged)
	require.NotNil(t, h.Object(hidden))

	// The retained record seeds the next cycle's marking.
	res2, err := col.RunOldCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res2.ObjectsMarked)
}

func TestClassMetadataDroppedForDeadClasses(t *testing.T) {
	h, old, col, _ := newCycleFixture(t, 8, 64, 1)

	liveMirror, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	deadMirror, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	a, err := h.AllocWithClass(heap.GenOld, 1, liveMirror)
	require.NoError(t, err)
	b, err := h.AllocWithClass(heap.GenOld, 2, deadMirror)
	require.NoError(t, err)

	col.SetClassAlive(func(class int32) bool { return class == 1 })
	res, err := col.RunOldCycle(context.Background(), []heap.Address{a, b})
	require.NoError(t, err)

	// a, b and the live mirror are marked; the dead class's mirror is not
	// traced through the metadata edge.
	assert.Equal(t, 3, res.ObjectsMarked)
	assert.Equal(t, oldgen.Idle, old.State())
}
