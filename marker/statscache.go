package marker

// StatsSink receives flushed per-region live-word counts. The heap's shared
// region counters implement it; flushes use atomic adds because multiple
// workers evict concurrently.
type StatsSink interface {
	AddLive(regionIndex int, words int64)
}

// StatsCache is a worker-local accumulator of per-region live words. It is
// a direct-mapped cache keyed by region index, so updates are O(1) and the
// memory is bounded; two regions mapping to the same slot simply cost an
// early eviction. Exclusively owned by one worker, no synchronization.
type StatsCache struct {
	entries []statsCacheEntry
	mask    int
	sink    StatsSink
}

type statsCacheEntry struct {
	regionIndex int
	liveWords   int64
}

// NewStatsCache creates a cache with the given entry count, which must be a
// power of two.
func NewStatsCache(entries int, sink StatsSink) *StatsCache {
	if asserts && (entries < 1 || entries&(entries-1) != 0) {
		panic("gc: stats cache size must be a power of two")
	}
	return &StatsCache{
		entries: make([]statsCacheEntry, entries),
		mask:    entries - 1,
		sink:    sink,
	}
}

// Push accumulates liveWords for a region, evicting a colliding entry to
// the shared counters first.
func (c *StatsCache) Push(regionIndex int, liveWords int64) {
	if asserts && liveWords <= 0 {
		panic("gc: pushing non-positive live words")
	}
	i := regionIndex & c.mask
	e := &c.entries[i]
	if e.liveWords != 0 && e.regionIndex != regionIndex {
		c.Evict(i)
	}
	e.regionIndex = regionIndex
	e.liveWords += liveWords
}

// Evict flushes slot i into the shared counters and clears it.
func (c *StatsCache) Evict(i int) {
	e := &c.entries[i]
	if e.liveWords == 0 {
		return
	}
	c.sink.AddLive(e.regionIndex, e.liveWords)
	*e = statsCacheEntry{}
}

// EvictAll flushes every slot. Must run on each worker before anyone reads
// finalized live-word totals.
func (c *StatsCache) EvictAll() {
	for i := range c.entries {
		c.Evict(i)
	}
}
