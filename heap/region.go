package heap

import "sync/atomic"

// RegionState describes what a region is currently used for.
type RegionState uint8

const (
	// RegionFree regions hold no objects and may be claimed for allocation
	// or staged as shadow regions.
	RegionFree RegionState = iota
	// RegionRegular regions hold live data.
	RegionRegular
	// RegionTrash regions have been fully evacuated; their contents are
	// garbage and the region is waiting to be recycled.
	RegionTrash
	// RegionShadow regions are staged in the shadow pool to receive
	// evacuated objects.
	RegionShadow
)

// String returns a human-readable version of the region state, for debugging.
func (s RegionState) String() string {
	switch s {
	case RegionFree:
		return "free"
	case RegionRegular:
		return "regular"
	case RegionTrash:
		return "trash"
	case RegionShadow:
		return "shadow"
	default:
		// must never happen
		return "!err"
	}
}

// Generation identifies which generation a region belongs to.
type Generation uint8

const (
	GenYoung Generation = iota
	GenOld
)

func (g Generation) String() string {
	if g == GenOld {
		return "old"
	}
	return "young"
}

// Region is a fixed-size, independently relocatable slice of the heap.
//
// The live-word counter is shared between workers: marking workers flush
// their local stats caches into it with atomic adds. It must not be read for
// compaction planning until every worker has flushed.
type Region struct {
	index int
	base  Address
	words int

	// state and gen are written mid-cycle (shadow staging, cleanup) while
	// pool reporting reads them from other goroutines, so both live in
	// atomic words.
	state atomic.Uint32
	gen   atomic.Uint32

	// top is the bump pointer, in words from base. Mutated only by the heap
	// under its lock.
	top int

	// markWatermark is the value of top when the last completed marking
	// pass ended. The mark bitmap has no verdict on objects above it: they
	// were allocated or evacuated here after marking, and must be treated
	// as live. Written between phases under the heap lock.
	markWatermark int

	liveWords atomic.Int64
}

// Index returns the region's position in the heap's region table.
func (r *Region) Index() int { return r.index }

// Base returns the address of the region's first word.
func (r *Region) Base() Address { return r.base }

// Words returns the region capacity in words.
func (r *Region) Words() int { return r.words }

// UsedWords returns how many words have been allocated in the region.
func (r *Region) UsedWords() int { return r.top }

func (r *Region) State() RegionState     { return RegionState(r.state.Load()) }
func (r *Region) Gen() Generation        { return Generation(r.gen.Load()) }
func (r *Region) setState(s RegionState) { r.state.Store(uint32(s)) }
func (r *Region) setGen(g Generation)    { r.gen.Store(uint32(g)) }

// MarkWatermark returns the allocation boundary of the last completed mark,
// in words from the region base.
func (r *Region) MarkWatermark() int { return r.markWatermark }

// MarkCovered reports whether addr was already allocated when the last
// marking pass ended, i.e. whether the mark bitmap's verdict on it means
// anything. Addresses above the watermark are implicitly live.
func (r *Region) MarkCovered(addr Address) bool {
	return addr < r.base+Address(r.markWatermark*WordBytes)
}

// LiveWords returns the finalized live-word count for this cycle.
func (r *Region) LiveWords() int64 { return r.liveWords.Load() }

// AddLiveWords accumulates flushed marking statistics. Safe to call from
// multiple workers concurrently.
func (r *Region) AddLiveWords(words int64) { r.liveWords.Add(words) }

// ResetLiveWords clears the counter at the start of a cycle.
func (r *Region) ResetLiveWords() { r.liveWords.Store(0) }

// Contains reports whether addr falls inside this region.
func (r *Region) Contains(addr Address) bool {
	return addr >= r.base && addr < r.base+Address(r.words*WordBytes)
}
