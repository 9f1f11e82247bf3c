// Package heap models the managed heap the collection engine operates on:
// fixed-size relocatable regions, an object table, an atomic mark bitmap and
// the shared per-region live-word counters that marking statistics flush
// into.
//
// The engine treats an object as an opaque reference plus a size and a set
// of interior references. Object headers, vtables and the mutator-facing
// allocation fast path live outside this package.
package heap

import (
	"fmt"
	"sort"
	"sync"
)

// asserts enables expensive internal consistency checks. A violated assert
// is a programming error, not a recoverable condition.
const asserts = true

// WordBytes is the size of one heap word in bytes.
const WordBytes = 8

// heapBase is where the modeled address space starts. Nonzero so that
// address 0 stays an unambiguous nil reference.
const heapBase Address = 0x10000

// Address is a word-aligned location in the modeled heap address space.
// The zero value is the nil reference.
type Address uint64

// objHeaderWords is the per-object bookkeeping overhead, in words.
const objHeaderWords = 2

// Object is one allocated heap object. Refs holds the interior references of
// a plain object; Elems holds the element references of a reference array.
type Object struct {
	Addr  Address
	Words int // total size in words, header included

	Class int32   // class id, consulted through the class-alive query
	Meta  Address // reference to the class mirror, 0 if none

	Array bool
	Refs  []Address
	Elems []Address

	// Forward is the new address after evacuation, 0 while not relocated.
	Forward Address
}

// Heap is a region-structured heap.
type Heap struct {
	regionWords int
	regions     []*Region
	marks       *markBitmap

	// mu guards the object table and region bump pointers. Marking only
	// reads the table, so workers take the read side; evacuation copies
	// under the write side.
	mu      sync.RWMutex
	objects map[Address]*Object
}

// New creates a heap of regionCount regions of regionWords words each.
func New(regionCount, regionWords int) *Heap {
	if asserts && (regionCount < 1 || regionWords < objHeaderWords+1) {
		panic("gc: heap dimensions too small")
	}
	h := &Heap{
		regionWords: regionWords,
		regions:     make([]*Region, regionCount),
		marks:       newMarkBitmap(heapBase, regionCount*regionWords),
		objects:     make(map[Address]*Object),
	}
	for i := range h.regions {
		h.regions[i] = &Region{
			index: i,
			base:  heapBase + Address(i*regionWords*WordBytes),
			words: regionWords,
		}
	}
	return h
}

// RegionCount returns the number of regions in the heap.
func (h *Heap) RegionCount() int { return len(h.regions) }

// RegionWords returns the region size in words.
func (h *Heap) RegionWords() int { return h.regionWords }

// Region returns the region at index i.
func (h *Heap) Region(i int) *Region { return h.regions[i] }

// RegionIndexOf maps an address to the index of the region containing it.
func (h *Heap) RegionIndexOf(addr Address) int {
	if asserts && !h.InHeap(addr) {
		panic("gc: address outside the heap")
	}
	return int(addr-heapBase) / (h.regionWords * WordBytes)
}

// RegionOf returns the region containing addr.
func (h *Heap) RegionOf(addr Address) *Region {
	return h.regions[h.RegionIndexOf(addr)]
}

// InHeap reports whether addr falls inside the modeled address space.
func (h *Heap) InHeap(addr Address) bool {
	return addr >= heapBase && addr < heapBase+Address(len(h.regions)*h.regionWords*WordBytes)
}

// Object looks up the object at addr. It returns nil if no object starts
// there.
func (h *Heap) Object(addr Address) *Object {
	h.mu.RLock()
	obj := h.objects[addr]
	h.mu.RUnlock()
	return obj
}

// TryMark atomically claims the mark bit of the object at addr. Exactly one
// caller per cycle observes true.
func (h *Heap) TryMark(addr Address) bool { return h.marks.tryMark(addr) }

// IsMarked reports whether the object at addr has been marked this cycle.
func (h *Heap) IsMarked(addr Address) bool { return h.marks.isMarked(addr) }

// ResetMarks clears the mark bitmap. Must only run between cycles.
func (h *Heap) ResetMarks() { h.marks.clear() }

// Alloc allocates a plain object with the given interior references in a
// region of the requested generation. The object size is the header plus one
// word per reference.
func (h *Heap) Alloc(gen Generation, refs ...Address) (Address, error) {
	return h.allocObject(gen, &Object{
		Words: objHeaderWords + len(refs),
		Refs:  refs,
	})
}

// AllocArray allocates a reference array with the given elements.
func (h *Heap) AllocArray(gen Generation, elems []Address) (Address, error) {
	return h.allocObject(gen, &Object{
		Words: objHeaderWords + len(elems),
		Array: true,
		Elems: elems,
	})
}

// AllocWithClass allocates a plain object carrying a class id and a metadata
// reference to its class mirror.
func (h *Heap) AllocWithClass(gen Generation, class int32, meta Address, refs ...Address) (Address, error) {
	return h.allocObject(gen, &Object{
		Words: objHeaderWords + len(refs),
		Class: class,
		Meta:  meta,
		Refs:  refs,
	})
}

func (h *Heap) allocObject(gen Generation, obj *Object) (Address, error) {
	if obj.Words > h.regionWords {
		return 0, fmt.Errorf("gc: object of %d words exceeds region size %d", obj.Words, h.regionWords)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.findAllocRegion(gen, obj.Words)
	if r == nil {
		return 0, fmt.Errorf("gc: out of memory allocating %d words in %s generation", obj.Words, gen)
	}
	obj.Addr = h.bumpAlloc(r, obj.Words)
	h.objects[obj.Addr] = obj
	return obj.Addr, nil
}

// findAllocRegion picks a regular region of the right generation with enough
// space, claiming a free region if none has room. Caller holds mu.
func (h *Heap) findAllocRegion(gen Generation, words int) *Region {
	for _, r := range h.regions {
		if r.State() == RegionRegular && r.Gen() == gen && r.words-r.top >= words {
			return r
		}
	}
	for _, r := range h.regions {
		if r.State() == RegionFree {
			r.setState(RegionRegular)
			r.setGen(gen)
			return r
		}
	}
	return nil
}

// bumpAlloc carves words out of r. Caller holds mu and has checked space.
func (h *Heap) bumpAlloc(r *Region, words int) Address {
	if asserts && r.words-r.top < words {
		panic("gc: bump allocation past region end")
	}
	addr := r.base + Address(r.top*WordBytes)
	r.top += words
	return addr
}

// MoveObject copies the object at addr into dst and records the forwarding
// address on the stale copy. It returns the new address. Used by evacuation;
// callers coordinate so that only one worker moves a given object.
func (h *Heap) MoveObject(addr Address, dst *Region) (Address, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj := h.objects[addr]
	if asserts && obj == nil {
		panic("gc: moving a nonexistent object")
	}
	if dst.words-dst.top < obj.Words {
		return 0, false
	}
	moved := *obj
	moved.Addr = h.bumpAlloc(dst, obj.Words)
	moved.Forward = 0
	h.objects[moved.Addr] = &moved
	obj.Forward = moved.Addr
	// Survival must stay visible at the new address: a later fill pass
	// consults the bitmap against current addresses.
	if h.marks.isMarked(obj.Addr) {
		h.marks.tryMark(moved.Addr)
	}
	return moved.Addr, true
}

// DropObject removes the object at addr from the object table. Used when a
// stale evacuated copy or a dead object is discarded.
func (h *Heap) DropObject(addr Address) {
	h.mu.Lock()
	delete(h.objects, addr)
	h.mu.Unlock()
}

// ObjectsIn returns the objects whose start address lies in region r, in
// address order. Snapshot semantics: the slice is a copy.
func (h *Heap) ObjectsIn(r *Region) []*Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var objs []*Object
	for addr, obj := range h.objects {
		if r.Contains(addr) {
			objs = append(objs, obj)
		}
	}
	sortObjects(objs)
	return objs
}

// AllObjects returns every live table entry. Test and verification helper.
func (h *Heap) AllObjects() []*Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	objs := make([]*Object, 0, len(h.objects))
	for _, obj := range h.objects {
		objs = append(objs, obj)
	}
	sortObjects(objs)
	return objs
}

// SetRegionState changes a region's state. Only the orchestrating thread may
// call this while workers are quiescent, except for the Free<->Shadow staging
// transitions which the shadow pool serializes.
func (h *Heap) SetRegionState(i int, s RegionState) {
	h.regions[i].setState(s)
}

// SetRegionGen reassigns a region's generation. Orchestrator only.
func (h *Heap) SetRegionGen(i int, g Generation) {
	h.regions[i].setGen(g)
}

// ResetRegion returns a region to the free state with an empty bump pointer.
// Any remaining object table entries in it must already be gone.
func (h *Heap) ResetRegion(i int) {
	r := h.regions[i]
	h.mu.Lock()
	defer h.mu.Unlock()
	if asserts {
		for addr := range h.objects {
			if r.Contains(addr) {
				panic("gc: resetting a region that still holds objects")
			}
		}
	}
	r.top = 0
	r.markWatermark = 0
	r.setState(RegionFree)
	r.ResetLiveWords()
}

// RecordMarkWatermarks snapshots every region's bump pointer as the boundary
// between objects the just-finished mark covered and objects allocated or
// evacuated afterwards. Runs on the orchestrating thread once marking has
// completed, before any evacuation moves objects.
func (h *Heap) RecordMarkWatermarks() {
	h.mu.Lock()
	for _, r := range h.regions {
		r.markWatermark = r.top
	}
	h.mu.Unlock()
}

// AddLive implements the flush sink for marking statistics caches.
func (h *Heap) AddLive(regionIndex int, words int64) {
	h.regions[regionIndex].AddLiveWords(words)
}

func sortObjects(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Addr < objs[j].Addr })
}
