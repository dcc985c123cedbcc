// Package block defines the value types shared by the allocator, I/O
// engine, and reduction pipeline: block addresses, size classes, and
// placement hints. These types carry no behavior beyond validation — they
// are the vocabulary the rest of the substrate is built from, the way the
// teacher's uapi package is the shared value-type package for its ctrl and
// queue packages.
package block

import "fmt"

// Size is one of the closed set of block size classes.
type Size uint64

// The closed set of allocation size classes, ascending.
const (
	Size4KiB  Size = 4 * 1024
	Size64KiB Size = 64 * 1024
	Size1MiB  Size = 1024 * 1024
	Size64MiB Size = 64 * 1024 * 1024
)

// All returns the closed set of size classes in ascending order.
func All() []Size {
	return []Size{Size4KiB, Size64KiB, Size1MiB, Size64MiB}
}

// IsValid reports whether s is a member of the closed set of size classes.
func (s Size) IsValid() bool {
	for _, v := range All() {
		if v == s {
			return true
		}
	}
	return false
}

// AsBytes returns the size class expressed in bytes.
func (s Size) AsBytes() uint64 { return uint64(s) }

// Next returns the next larger size class and true, or (0, false) if s is
// already the largest class or not a valid class.
func (s Size) Next() (Size, bool) {
	classes := All()
	for i, v := range classes {
		if v == s && i+1 < len(classes) {
			return classes[i+1], true
		}
	}
	return 0, false
}

func (s Size) String() string {
	switch s {
	case Size4KiB:
		return "4KiB"
	case Size64KiB:
		return "64KiB"
	case Size1MiB:
		return "1MiB"
	case Size64MiB:
		return "64MiB"
	default:
		return fmt.Sprintf("invalid(%d)", uint64(s))
	}
}

// ID identifies an allocated block: a device index paired with an offset
// expressed in units of the size class under which it was allocated. An ID
// is only meaningful paired with that size class — the same numeric offset
// means a different byte range under a different class.
type ID struct {
	DeviceIdx uint16
	Offset    uint64
}

// ByteOffset returns the absolute byte offset of id within its device, given
// the size class it was allocated under.
func (id ID) ByteOffset(size Size) uint64 {
	return id.Offset * size.AsBytes()
}

// Ref pairs a block ID with the size class it was allocated under, fully
// describing an exclusively-owned block until it is freed.
type Ref struct {
	ID   ID
	Size Size
}

// ByteOffset returns the absolute byte offset of the referenced block.
func (r Ref) ByteOffset() uint64 { return r.ID.ByteOffset(r.Size) }

// ByteLength returns the length in bytes of the referenced block.
func (r Ref) ByteLength() uint64 { return r.Size.AsBytes() }

// PlacementHint is an advisory tag steering device placement (FDP stream or
// ZNS zone selection). Ignoring it never affects correctness.
type PlacementHint int

const (
	PlacementMetadata PlacementHint = iota
	PlacementHotData
	PlacementWarmData
	PlacementColdData
	PlacementSnapshot
	PlacementJournal
)

func (h PlacementHint) String() string {
	switch h {
	case PlacementMetadata:
		return "metadata"
	case PlacementHotData:
		return "hot"
	case PlacementWarmData:
		return "warm"
	case PlacementColdData:
		return "cold"
	case PlacementSnapshot:
		return "snapshot"
	case PlacementJournal:
		return "journal"
	default:
		return "unknown"
	}
}
