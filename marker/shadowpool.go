package marker

import "sync"

// InvalidShadow is returned by ShadowPool.Pop when the pool is empty. Not
// an error: the caller falls back to another compaction strategy (typically
// compacting the region in place).
const InvalidShadow = -1

// ShadowPool is the process-wide pool of free shadow regions used to stage
// compacted data. It is used in LIFO order deliberately, for better data
// locality and reuse of recently touched memory.
//
// All operations hold the pool's mutex for their full duration; critical
// sections are O(1) appends and pops, so the time a worker can block here
// is bounded. Debug builds are the one exception: Push scans the free list
// to catch double-pushes, a cost accepted only while asserts are on.
type ShadowPool struct {
	mu   sync.Mutex
	free []int

	// outstanding is pops minus pushes: how many shadow regions are
	// currently checked out by workers. Must be zero when a cycle ends,
	// cancelled or not.
	outstanding int
}

// NewShadowPool returns an empty pool.
func NewShadowPool() *ShadowPool {
	return &ShadowPool{}
}

// Pop removes the most recently pushed free shadow region, or returns
// InvalidShadow if the pool is empty.
func (p *ShadowPool) Pop() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return InvalidShadow
	}
	index := p.free[n-1]
	p.free = p.free[:n-1]
	p.outstanding++
	return index
}

// Push returns a shadow region to the pool.
func (p *ShadowPool) Push(index int) {
	if asserts && index == InvalidShadow {
		panic("gc: pushing the invalid shadow sentinel")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if asserts {
		for _, have := range p.free {
			if have == index {
				panic("gc: shadow region pushed twice")
			}
		}
	}
	p.free = append(p.free, index)
	p.outstanding--
}

// Stage adds a region to the pool without affecting the checked-out count.
// Used when the orchestrator seeds the pool at the start of compaction.
func (p *ShadowPool) Stage(index int) {
	p.mu.Lock()
	p.free = append(p.free, index)
	p.mu.Unlock()
}

// RemoveAll drains the pool and returns the indices that were still free,
// so the caller can hand them back to the general free-region allocator at
// cycle end.
func (p *ShadowPool) RemoveAll() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.free
	p.free = nil
	return drained
}

// Size returns the number of free regions currently pooled.
func (p *ShadowPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Outstanding returns pops minus pushes: the number of shadow regions
// currently checked out.
func (p *ShadowPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
