package oldgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillgc/quill/heap"
)

type recordingHeuristics struct {
	successes   int
	abbreviated []bool
}

func (r *recordingHeuristics) RecordSuccessConcurrent(abbreviated bool) {
	r.successes++
	r.abbreviated = append(r.abbreviated, abbreviated)
}

func TestSATBTransferPurgesDeadRecords(t *testing.T) {
	// Two header-only objects per 4-word region, so the trashed record
	// lands in its own region.
	h := heap.New(8, 4)
	g := New(h, nil, nil)

	live, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	marked, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	require.True(t, h.TryMark(marked))

	trashed, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	require.NotEqual(t, h.RegionIndexOf(live), h.RegionIndexOf(trashed))
	h.SetRegionState(h.RegionIndexOf(trashed), heap.RegionTrash)

	// A record whose referent was reclaimed after its region left the
	// Trash state must be purged too.
	reclaimed, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	h.DropObject(reclaimed)

	g.SetConcurrentMarkInProgress(true)
	g.SATB().Enqueue(live)
	g.SATB().Enqueue(marked)
	g.SATB().Enqueue(trashed)
	g.SATB().Enqueue(reclaimed)
	g.SATB().Enqueue(0) // null records never enter the buffer

	retained, purged := g.TransferPointersFromSATB()
	assert.Equal(t, 1, retained)
	assert.Equal(t, 3, purged)
	assert.Equal(t, 0, g.SATB().Len())

	pending := g.TakePendingMarks()
	require.Len(t, pending, 1)
	assert.Equal(t, live, pending[0])
	assert.Empty(t, g.TakePendingMarks())
}

func TestSATBTransferSkippedWhenNotMarking(t *testing.T) {
	g, h := newTestGeneration(t)
	addr, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	g.SATB().Enqueue(addr)

	retained, purged := g.TransferPointersFromSATB()
	assert.Zero(t, retained)
	assert.Zero(t, purged)
	// Buffer keeps its records for the transfer that will happen.
	assert.Equal(t, 1, g.SATB().Len())
}

func TestPrepareGCResetsMarksAndStats(t *testing.T) {
	g, h := newTestGeneration(t)
	addr, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	require.True(t, h.TryMark(addr))
	h.AddLive(h.RegionIndexOf(addr), 7)
	g.CancelMarking()

	g.PrepareGC()
	assert.False(t, h.IsMarked(addr))
	assert.False(t, g.IsMarkingCancelled())
	assert.Zero(t, h.RegionOf(addr).LiveWords())
}

func TestCollectionSetPicksGarbageRegions(t *testing.T) {
	// Regions of 4 words hold two header-only objects each.
	h := heap.New(4, 4)
	g := New(h, nil, nil)

	var addrs []heap.Address
	for i := 0; i < 4; i++ {
		a, err := h.Alloc(heap.GenOld)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	require.NotEqual(t, h.RegionIndexOf(addrs[0]), h.RegionIndexOf(addrs[2]))

	// Region 0 fully live, region 1 half dead, remaining regions free.
	h.AddLive(h.RegionIndexOf(addrs[0]), int64(h.Object(addrs[0]).Words))
	h.AddLive(h.RegionIndexOf(addrs[1]), int64(h.Object(addrs[1]).Words))
	h.AddLive(h.RegionIndexOf(addrs[2]), int64(h.Object(addrs[2]).Words))

	g.TransitionTo(Bootstrapping)
	g.TransitionTo(Marking)
	g.TransitionTo(WaitingForEvac)
	g.PrepareRegionsAndCollectionSet(true)

	cset := g.CollectionSet()
	require.Len(t, cset, 1)
	assert.Equal(t, h.RegionIndexOf(addrs[2]), cset[0])
}

func TestCollectionSetOutsideEvacWindowPanics(t *testing.T) {
	g, _ := newTestGeneration(t)
	assert.Panics(t, func() { g.PrepareRegionsAndCollectionSet(true) })
}

func TestCoalesceAndFillDropsUnmarkedObjects(t *testing.T) {
	g, h := newTestGeneration(t)

	keep, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	dead, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	require.True(t, h.TryMark(keep))
	h.RecordMarkWatermarks()

	g.SetNeedsFill(true)
	g.TransitionTo(Filling)
	require.True(t, g.CoalesceAndFill())
	assert.False(t, g.NeedsFill())
	assert.NotNil(t, h.Object(keep))
	assert.Nil(t, h.Object(dead))
}

// TestCoalesceAndFillSparesObjectsAboveWatermark checks that the fill pass
// never kills an object the last mark had no verdict on: one allocated
// after the mark ended is unmarked but must survive.
func TestCoalesceAndFillSparesObjectsAboveWatermark(t *testing.T) {
	g, h := newTestGeneration(t)

	covered, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)
	h.RecordMarkWatermarks()
	late, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)

	g.SetNeedsFill(true)
	g.TransitionTo(Filling)
	require.True(t, g.CoalesceAndFill())
	assert.Nil(t, h.Object(covered), "unmarked below the watermark is dead")
	assert.NotNil(t, h.Object(late), "allocated after the mark survives")
}

func TestCoalesceAndFillStopsOnCancel(t *testing.T) {
	g, h := newTestGeneration(t)
	_, err := h.Alloc(heap.GenOld)
	require.NoError(t, err)

	g.SetNeedsFill(true)
	g.TransitionTo(Filling)
	g.CancelMarking()
	assert.False(t, g.CoalesceAndFill())
	assert.True(t, g.NeedsFill())

	g.TransitionTo(WaitingForFill)
	assert.True(t, g.CanStartGC())
}

func TestRecordSuccessReachesHeuristics(t *testing.T) {
	h := heap.New(4, 256)
	rec := &recordingHeuristics{}
	g := New(h, rec, nil)
	g.RecordSuccessConcurrent(true)
	g.RecordSuccessConcurrent(false)
	assert.Equal(t, 2, rec.successes)
	assert.Equal(t, []bool{true, false}, rec.abbreviated)
}
