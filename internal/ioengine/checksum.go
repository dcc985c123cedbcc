package ioengine

import "lukechampine.com/blake3"

// checksum computes the 256-bit content hash recorded with every write and
// verified on every read, as spec.md §4.1 requires. BLAKE3 is the pack's
// grounded choice for this shape of content hash (storj/perkeep style
// content-addressed systems in the retrieval pack use it; see DESIGN.md).
func checksum(p []byte) [32]byte {
	return blake3.Sum256(p)
}
