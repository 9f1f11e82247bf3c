package heap

import "sync/atomic"

// markBitmap keeps one bit per heap word. Marking a word is a single atomic
// claim: exactly one caller of tryMark observes true for a given address per
// cycle, which is what deduplicates racing discovery of the same object.
type markBitmap struct {
	base Address
	bits []atomic.Uint32
}

func newMarkBitmap(base Address, words int) *markBitmap {
	return &markBitmap{
		base: base,
		bits: make([]atomic.Uint32, (words+31)/32),
	}
}

func (b *markBitmap) wordIndex(addr Address) uint {
	if asserts && (addr < b.base || addr%WordBytes != 0) {
		panic("gc: mark bitmap address out of range or misaligned")
	}
	return uint(addr-b.base) / WordBytes
}

// tryMark claims the mark bit for addr. It returns true if this caller set
// the bit, false if it was already set.
func (b *markBitmap) tryMark(addr Address) bool {
	i := b.wordIndex(addr)
	word := &b.bits[i/32]
	mask := uint32(1) << (i % 32)
	for {
		old := word.Load()
		if old&mask != 0 {
			return false
		}
		if word.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

func (b *markBitmap) isMarked(addr Address) bool {
	i := b.wordIndex(addr)
	return b.bits[i/32].Load()&(uint32(1)<<(i%32)) != 0
}

// clear resets all mark bits. Only called between cycles, with no workers
// running.
func (b *markBitmap) clear() {
	for i := range b.bits {
		b.bits[i].Store(0)
	}
}
