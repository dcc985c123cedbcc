// Package allocator implements the buddy allocator over block size classes
// described in spec.md §4.1: a free list per (device, size class), splitting
// a larger class when a smaller one is exhausted, and recombining buddies on
// free. Free lists are bitset bitmaps (one bit per block of the class),
// grounded on trustelem-go-diskfs's use of bitset-backed allocation bitmaps
// for its FAT/ext4 group descriptors.
package allocator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/dirkpetersen/claudefs/internal/block"
	"github.com/dirkpetersen/claudefs/internal/logging"
)

// classState is the free list for a single (device, size class) pair. One
// bit per block of that class; a set bit means the block is free.
type classState struct {
	mu   sync.Mutex
	free *bitset.BitSet
	// len is the number of blocks of this class that the device can hold.
	// Blocks beyond len are never valid, even though the bitset itself can
	// grow past it (growth only happens internally during splits).
	len uint64
}

type deviceState struct {
	totalBytes uint64
	classes    map[block.Size]*classState
}

// Allocator is a buddy allocator spanning multiple registered devices.
type Allocator struct {
	mu      sync.RWMutex
	devices map[uint16]*deviceState
	logger  *logging.Logger
}

// New creates an empty Allocator. Devices must be registered with
// RegisterDevice before blocks can be allocated from them.
func New(logger *logging.Logger) *Allocator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Allocator{devices: make(map[uint16]*deviceState), logger: logger}
}

// RegisterDevice initializes free lists for deviceIdx, treating the whole
// device as free space at the largest size class. totalBytes must be a
// multiple of the largest size class.
func (a *Allocator) RegisterDevice(deviceIdx uint16, totalBytes uint64) error {
	classes := block.All()
	largest := classes[len(classes)-1]
	if totalBytes%largest.AsBytes() != 0 {
		return fmt.Errorf("allocator: device %d size %d not a multiple of largest class %s", deviceIdx, totalBytes, largest)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.devices[deviceIdx]; exists {
		return fmt.Errorf("allocator: device %d already registered", deviceIdx)
	}

	ds := &deviceState{totalBytes: totalBytes, classes: make(map[block.Size]*classState)}
	for _, c := range classes {
		ds.classes[c] = &classState{free: bitset.New(0)}
	}

	numLargest := totalBytes / largest.AsBytes()
	top := ds.classes[largest]
	top.len = numLargest
	for i := uint64(0); i < numLargest; i++ {
		top.free.Set(uint(i))
	}

	a.devices[deviceIdx] = ds
	return nil
}

func (a *Allocator) device(deviceIdx uint16) (*deviceState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ds, ok := a.devices[deviceIdx]
	if !ok {
		return nil, fmt.Errorf("allocator: device %d not registered", deviceIdx)
	}
	return ds, nil
}

// ratio returns how many blocks of child fit in one block of parent.
func ratio(parent, child block.Size) uint64 {
	return parent.AsBytes() / child.AsBytes()
}

// Alloc returns a freshly allocated, exclusively-owned block of the
// requested size class on deviceIdx, splitting a larger class if the
// requested class's free list is empty. hint is advisory only.
func (a *Allocator) Alloc(deviceIdx uint16, size block.Size, hint block.PlacementHint) (block.Ref, error) {
	if !size.IsValid() {
		return block.Ref{}, fmt.Errorf("allocator: invalid size class %v", size)
	}
	ds, err := a.device(deviceIdx)
	if err != nil {
		return block.Ref{}, err
	}

	offset, err := a.allocFromClass(ds, size)
	if err != nil {
		return block.Ref{}, err
	}

	a.logger.Debug("allocated block", "device", deviceIdx, "size", size.String(), "offset", offset, "hint", hint.String())
	return block.Ref{ID: block.ID{DeviceIdx: deviceIdx, Offset: offset}, Size: size}, nil
}

// allocFromClass returns a free offset (in units of size) for ds, splitting
// the next larger class if necessary. Locks are taken child-before-parent
// (ascending size order) per spec.md §5.
func (a *Allocator) allocFromClass(ds *deviceState, size block.Size) (uint64, error) {
	cs := ds.classes[size]

	cs.mu.Lock()
	if idx, ok := cs.free.NextSet(0); ok {
		cs.free.Clear(idx)
		cs.mu.Unlock()
		return uint64(idx), nil
	}
	cs.mu.Unlock()

	parent, ok := size.Next()
	if !ok {
		return 0, fmt.Errorf("allocator: %w", ErrOutOfSpace)
	}

	parentOffset, err := a.allocFromClass(ds, parent)
	if err != nil {
		return 0, err
	}

	n := ratio(parent, size)
	base := parentOffset * n

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := uint64(1); i < n; i++ {
		cs.free.Set(uint(base + i))
	}
	if cs.len < base+n {
		cs.len = base + n
	}
	return base, nil
}

// ErrOutOfSpace is returned (wrapped) when no parent class can be split to
// satisfy an allocation request.
var ErrOutOfSpace = errors.New("out of space")

// Free returns ref to its device's free list, coalescing buddies back into
// larger classes wherever every sibling of a buddy group is free.
func (a *Allocator) Free(deviceIdx uint16, ref block.Ref) error {
	ds, err := a.device(deviceIdx)
	if err != nil {
		return err
	}
	a.freeInClass(ds, ref.Size, ref.ID.Offset)
	a.logger.Debug("freed block", "device", deviceIdx, "size", ref.Size.String(), "offset", ref.ID.Offset)
	return nil
}

func (a *Allocator) freeInClass(ds *deviceState, size block.Size, offset uint64) {
	cs := ds.classes[size]

	parent, hasParent := size.Next()
	if !hasParent {
		cs.mu.Lock()
		cs.free.Set(uint(offset))
		cs.mu.Unlock()
		return
	}

	n := ratio(parent, size)
	groupBase := (offset / n) * n
	parentOffset := offset / n

	// Lock child before parent (ascending size order).
	cs.mu.Lock()
	pcs := ds.classes[parent]
	pcs.mu.Lock()

	cs.free.Set(uint(offset))

	allFree := true
	for i := uint64(0); i < n; i++ {
		if !cs.free.Test(uint(groupBase + i)) {
			allFree = false
			break
		}
	}

	if !allFree {
		pcs.mu.Unlock()
		cs.mu.Unlock()
		return
	}

	for i := uint64(0); i < n; i++ {
		cs.free.Clear(uint(groupBase + i))
	}
	pcs.mu.Unlock()
	cs.mu.Unlock()

	a.freeInClass(ds, parent, parentOffset)
}

// Stats reports the number of free blocks per size class for deviceIdx,
// for diagnostics and the invariant test in allocator_test.go that an
// alloc/free sequence netting to zero restores the initial free-list shape.
func (a *Allocator) Stats(deviceIdx uint16) (map[block.Size]uint64, error) {
	ds, err := a.device(deviceIdx)
	if err != nil {
		return nil, err
	}
	out := make(map[block.Size]uint64, len(ds.classes))
	for size, cs := range ds.classes {
		cs.mu.Lock()
		out[size] = cs.free.Count()
		cs.mu.Unlock()
	}
	return out, nil
}
