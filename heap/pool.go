package heap

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

// Usage is a point-in-time capacity snapshot of a memory pool, in bytes.
type Usage struct {
	Used      int64
	Committed int64
	Max       int64
}

func (u Usage) String() string {
	return fmt.Sprintf("used %s, committed %s, max %s",
		bytesize.New(float64(u.Used)),
		bytesize.New(float64(u.Committed)),
		bytesize.New(float64(u.Max)))
}

// MemoryPool is a read-only occupancy view over the whole heap, safe to call
// concurrently with an active cycle. Used bytes reflect the last-flushed
// per-region statistics, never mid-flush partial state: the counters are
// only advanced by whole-cache evictions.
type MemoryPool struct {
	heap *Heap
	name string

	// filter selects the regions this pool covers; nil covers everything.
	filter func(*Region) bool
}

// NewMemoryPool returns the pool covering the whole heap.
func NewMemoryPool(h *Heap) *MemoryPool {
	return &MemoryPool{heap: h, name: "Quill"}
}

// NewYoungGenPool returns the pool covering young-generation regions.
func NewYoungGenPool(h *Heap) *MemoryPool {
	return &MemoryPool{
		heap:   h,
		name:   "Quill Young Gen",
		filter: func(r *Region) bool { return r.Gen() == GenYoung },
	}
}

// NewOldGenPool returns the pool covering old-generation regions.
func NewOldGenPool(h *Heap) *MemoryPool {
	return &MemoryPool{
		heap:   h,
		name:   "Quill Old Gen",
		filter: func(r *Region) bool { return r.Gen() == GenOld },
	}
}

// Name returns the pool name as shown to external monitoring.
func (p *MemoryPool) Name() string { return p.name }

// UsedInBytes sums the flushed live words of the covered regions.
func (p *MemoryPool) UsedInBytes() int64 {
	var words int64
	for _, r := range p.heap.regions {
		if p.covers(r) && r.State() != RegionFree {
			words += r.LiveWords()
		}
	}
	return words * WordBytes
}

// MaxSize is the capacity ceiling of the covered regions. Regions can move
// between generations, so generation pools report the full heap as their
// ceiling, the same convention monitoring expects from region-based
// collectors.
func (p *MemoryPool) MaxSize() int64 {
	return int64(len(p.heap.regions)) * int64(p.heap.regionWords) * WordBytes
}

// GetUsage returns a consistent-enough snapshot for monitoring: each field
// is computed from the same pass over the region table.
func (p *MemoryPool) GetUsage() Usage {
	var usedWords, committedRegions int64
	for _, r := range p.heap.regions {
		if !p.covers(r) {
			continue
		}
		if r.State() != RegionFree {
			usedWords += r.LiveWords()
			committedRegions++
		}
	}
	return Usage{
		Used:      usedWords * WordBytes,
		Committed: committedRegions * int64(p.heap.regionWords) * WordBytes,
		Max:       p.MaxSize(),
	}
}

func (p *MemoryPool) covers(r *Region) bool {
	return p.filter == nil || p.filter(r)
}
