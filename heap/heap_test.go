package heap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionMapping(t *testing.T) {
	h := New(4, 64)
	require.Equal(t, 4, h.RegionCount())

	addr, err := h.Alloc(GenYoung, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, h.RegionIndexOf(addr))
	assert.True(t, h.Region(0).Contains(addr))
	assert.Equal(t, RegionRegular, h.Region(0).State())

	// The next allocation in the same generation shares the region.
	addr2, err := h.Alloc(GenYoung)
	require.NoError(t, err)
	assert.Equal(t, 0, h.RegionIndexOf(addr2))

	// A different generation claims a fresh region.
	addr3, err := h.Alloc(GenOld)
	require.NoError(t, err)
	assert.Equal(t, 1, h.RegionIndexOf(addr3))
	assert.Equal(t, GenOld, h.RegionOf(addr3).Gen())
}

func TestAllocFillsRegionsAndRunsOut(t *testing.T) {
	// 8-word regions hold two 4-word objects each.
	h := New(2, 8)
	for i := 0; i < 4; i++ {
		_, err := h.Alloc(GenYoung, 0, 0)
		require.NoError(t, err)
	}
	_, err := h.Alloc(GenYoung, 0, 0)
	assert.Error(t, err)
}

func TestTryMarkClaimsExactlyOnce(t *testing.T) {
	h := New(2, 64)
	addr, err := h.Alloc(GenOld)
	require.NoError(t, err)

	const goroutines = 8
	claims := make(chan bool, goroutines)
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			claims <- h.TryMark(addr)
		}()
	}
	start.Done()
	wg.Wait()
	close(claims)

	won := 0
	for c := range claims {
		if c {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one goroutine claims the mark bit")
	assert.True(t, h.IsMarked(addr))

	h.ResetMarks()
	assert.False(t, h.IsMarked(addr))
}

func TestMoveObjectForwards(t *testing.T) {
	h := New(3, 64)
	leaf, err := h.Alloc(GenOld)
	require.NoError(t, err)
	addr, err := h.Alloc(GenOld, leaf)
	require.NoError(t, err)

	dst := h.Region(2)
	h.SetRegionState(2, RegionRegular)
	h.SetRegionGen(2, GenOld)

	require.True(t, h.TryMark(addr))
	newAddr, ok := h.MoveObject(addr, dst)
	require.True(t, ok)
	assert.NotEqual(t, addr, newAddr)
	assert.Equal(t, newAddr, h.Object(addr).Forward)

	moved := h.Object(newAddr)
	require.NotNil(t, moved)
	assert.Equal(t, []Address{leaf}, moved.Refs)
	assert.Zero(t, moved.Forward)

	// The mark bit travels with the object, so liveness stays visible at
	// the new address.
	assert.True(t, h.IsMarked(newAddr))
}

func TestMarkWatermarkTracksAllocationBoundary(t *testing.T) {
	h := New(2, 16)
	before, err := h.Alloc(GenOld)
	require.NoError(t, err)
	h.RecordMarkWatermarks()
	after, err := h.Alloc(GenOld)
	require.NoError(t, err)

	r := h.RegionOf(before)
	assert.True(t, r.MarkCovered(before))
	assert.False(t, r.MarkCovered(after), "allocated past the watermark")

	// Recycling a region discards its watermark along with the bump
	// pointer, so fresh allocations there are never falsely covered.
	h.DropObject(before)
	h.DropObject(after)
	h.ResetRegion(r.Index())
	fresh, err := h.Alloc(GenOld)
	require.NoError(t, err)
	assert.False(t, h.RegionOf(fresh).MarkCovered(fresh))
}

func TestMemoryPoolReflectsFlushedStats(t *testing.T) {
	// Matches the single-worker scenario: three regions with 10/0/5 flushed
	// live words must report 15 words' worth of bytes.
	h := New(3, 64)
	for i := 0; i < 3; i++ {
		h.SetRegionState(i, RegionRegular)
		h.SetRegionGen(i, GenOld)
	}
	h.AddLive(0, 10)
	h.AddLive(2, 5)

	pool := NewMemoryPool(h)
	assert.Equal(t, int64(15*WordBytes), pool.UsedInBytes())

	usage := pool.GetUsage()
	assert.Equal(t, int64(15*WordBytes), usage.Used)
	assert.Equal(t, int64(3*64*WordBytes), usage.Committed)
	assert.Equal(t, int64(3*64*WordBytes), usage.Max)
}

func TestGenerationPoolsSplitUsage(t *testing.T) {
	h := New(4, 64)
	h.SetRegionState(0, RegionRegular)
	h.SetRegionGen(0, GenYoung)
	h.SetRegionState(1, RegionRegular)
	h.SetRegionGen(1, GenOld)
	h.AddLive(0, 7)
	h.AddLive(1, 9)

	young := NewYoungGenPool(h)
	old := NewOldGenPool(h)
	assert.Equal(t, int64(7*WordBytes), young.UsedInBytes())
	assert.Equal(t, int64(9*WordBytes), old.UsedInBytes())

	// Free regions count toward neither pool's committed bytes.
	assert.Equal(t, int64(64*WordBytes), old.GetUsage().Committed)
}

func TestResetRegionAssertsOnLiveObjects(t *testing.T) {
	h := New(2, 64)
	addr, err := h.Alloc(GenOld)
	require.NoError(t, err)

	assert.Panics(t, func() { h.ResetRegion(h.RegionIndexOf(addr)) })

	h.DropObject(addr)
	h.ResetRegion(h.RegionIndexOf(addr))
	assert.Equal(t, RegionFree, h.Region(0).State())
	assert.Zero(t, h.Region(0).UsedWords())
}
