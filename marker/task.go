// Package marker implements parallel marking and compaction: per-worker
// compaction managers with work-stealing mark stacks, partial-array
// chunking for large reference arrays, worker-local marking statistics
// caches and the shadow region pool used to stage compacted data.
package marker

import (
	"fmt"

	"github.com/quillgc/quill/heap"
)

// asserts enables internal consistency checks. A violated assert is a
// programming error; the engine never recovers from one.
const asserts = true

// partialArrayStateBit is the tag in the low bit of a ScannerTask. Object
// addresses are word-aligned and array state ids are issued even, so the
// bit is otherwise always zero. Both constructors assert that precondition.
const partialArrayStateBit = 1

// ScannerTask is one unit of marking work: either an object whose interior
// references must be visited, or a continuation over the remainder of a
// large array. It packs both into a single value sized for heap.Address, so
// queue elements stay one word and no address truncates on narrower hosts.
//
// The zero value is no task; queues never hold it.
type ScannerTask uint64

// TaskForObject wraps an object address as a scanner task.
func TaskForObject(addr heap.Address) ScannerTask {
	if asserts && addr == 0 {
		panic("gc: nil object in scanner task")
	}
	if asserts && addr&partialArrayStateBit != 0 {
		panic("gc: misaligned object address in scanner task")
	}
	return ScannerTask(addr)
}

// TaskForArrayState wraps a partial array state id as a scanner task.
func TaskForArrayState(id StateID) ScannerTask {
	if asserts && id&partialArrayStateBit != 0 {
		panic("gc: odd partial array state id in scanner task")
	}
	return ScannerTask(id) | partialArrayStateBit
}

// IsArrayState reports whether the task is a partial array continuation.
func (t ScannerTask) IsArrayState() bool {
	return t&partialArrayStateBit != 0
}

// IsObject reports whether the task references an object.
func (t ScannerTask) IsObject() bool { return !t.IsArrayState() }

// Object returns the object address. Reading an array continuation as an
// object is a programming error.
func (t ScannerTask) Object() heap.Address {
	if asserts && t.IsArrayState() {
		panic(fmt.Sprintf("gc: reading partial array state %#x as object", uint64(t)))
	}
	return heap.Address(t)
}

// ArrayState returns the partial array state id. Reading an object as an
// array continuation is a programming error.
func (t ScannerTask) ArrayState() StateID {
	if asserts && !t.IsArrayState() {
		panic(fmt.Sprintf("gc: reading object %#x as partial array state", uint64(t)))
	}
	return StateID(t &^ partialArrayStateBit)
}
