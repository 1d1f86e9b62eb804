package container

import (
	"fmt"
	"sync"
)

// Allocator picks free (file_index, offset) slots for new containers and
// tracks a free-slot bitmap per file, reclaiming slots freed by merge and
// delete (spec.md §4.2, "Container Allocator"). The bit-level tracking
// mirrors the coverage-bitmap approach the teacher's pkg/cache uses for
// block ranges, applied here to container slots instead of byte ranges.
type Allocator struct {
	mu sync.Mutex

	containerSize uint64
	slotsPerFile  uint64
	maxFileSize   uint64

	// free[fileIndex] is a bitmap of free slots in that file; a 1 bit
	// means the slot is free.
	free map[uint32][]uint64

	nextFileIndex uint32
}

// NewAllocator creates an allocator for files of at most maxFileSize
// bytes, each holding slots of containerSize bytes.
func NewAllocator(containerSize, maxFileSize uint64) *Allocator {
	slotsPerFile := maxFileSize / containerSize
	if slotsPerFile == 0 {
		slotsPerFile = 1
	}
	return &Allocator{
		containerSize: containerSize,
		slotsPerFile:  slotsPerFile,
		maxFileSize:   maxFileSize,
		free:          make(map[uint32][]uint64),
	}
}

func (a *Allocator) words() uint64 {
	return (a.slotsPerFile + 63) / 64
}

func (a *Allocator) ensureFile(fileIndex uint32) {
	if _, ok := a.free[fileIndex]; !ok {
		words := make([]uint64, a.words())
		for i := range words {
			words[i] = ^uint64(0)
		}
		// Clear bits beyond slotsPerFile in the last word.
		if rem := a.slotsPerFile % 64; rem != 0 {
			words[len(words)-1] = (uint64(1) << rem) - 1
		}
		a.free[fileIndex] = words
	}
}

func (a *Allocator) setBit(fileIndex uint32, slot uint64, free bool) {
	a.ensureFile(fileIndex)
	words := a.free[fileIndex]
	w, b := slot/64, slot%64
	if free {
		words[w] |= 1 << b
	} else {
		words[w] &^= 1 << b
	}
}

func (a *Allocator) bitSet(fileIndex uint32, slot uint64) bool {
	a.ensureFile(fileIndex)
	words := a.free[fileIndex]
	w, b := slot/64, slot%64
	return words[w]&(1<<b) != 0
}

// Allocate reserves the lowest-numbered free slot, scanning files in
// order and opening a new file when the current ones are full.
func (a *Allocator) Allocate() (fileIndex uint32, offset uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for fi := uint32(0); fi <= a.nextFileIndex; fi++ {
		a.ensureFile(fi)
		for slot := uint64(0); slot < a.slotsPerFile; slot++ {
			if a.bitSet(fi, slot) {
				a.setBit(fi, slot, false)
				return fi, slot * a.containerSize
			}
		}
	}

	a.nextFileIndex++
	fi := a.nextFileIndex
	a.ensureFile(fi)
	a.setBit(fi, 0, false)
	return fi, 0
}

// Free returns a slot to the pool, used by merge/delete log-ack handlers
// once the old addresses are no longer reachable by any reader (spec.md
// §4.2: "free the two old addresses").
func (a *Allocator) Free(fileIndex uint32, offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if offset%a.containerSize != 0 {
		return fmt.Errorf("container: offset %d is not slot-aligned", offset)
	}
	slot := offset / a.containerSize
	if slot >= a.slotsPerFile {
		return fmt.Errorf("container: slot %d out of range", slot)
	}
	a.setBit(fileIndex, slot, true)
	return nil
}

// OnMerge frees the two addresses superseded by a successful merge.
func (a *Allocator) OnMerge(oldA, oldB Address) error {
	if !oldA.IsRedirect {
		if err := a.Free(oldA.FileIndex, oldA.FileOffset); err != nil {
			return err
		}
	}
	if !oldB.IsRedirect {
		if err := a.Free(oldB.FileIndex, oldB.FileOffset); err != nil {
			return err
		}
	}
	return nil
}

// FreeSlotCount reports how many slots are currently free across every
// known file, used by tests asserting allocator state after merge/delete
// (spec.md §8, scenario S5).
func (a *Allocator) FreeSlotCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for fi := range a.free {
		for slot := uint64(0); slot < a.slotsPerFile; slot++ {
			if a.bitSet(fi, slot) {
				count++
			}
		}
	}
	return count
}
