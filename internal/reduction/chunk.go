// Package reduction implements the data-reduction pipeline of spec.md §4.2:
// content-defined chunking, per-chunk key derivation, AEAD sealing, and a
// placement-aware compression adapter. Grounded on the chunked-AEAD reader
// shape in other_examples' s3-encryption-gateway chunked.go (manifest +
// per-unit nonce handling) and on trustelem-go-diskfs's compression and
// hashing library choices.
package reduction

import "fmt"

// Hash is the content address of a chunk: a 256-bit BLAKE3 digest.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", [32]byte(h)) }

// Chunk is a content-addressed unit of data in exactly one of two states:
// plaintext or sealed (AEAD-encrypted). Unlike the documented weakness in
// spec.md §4.2's design note, there is no sentinel-nonce encoding of
// "unencrypted" — the two states are distinct fields, and NewPlainChunk/
// NewSealedChunk each set only one of them. The fields are exported, so a
// struct literal can still set both; IsEncrypted then reports true.
type Chunk struct {
	Hash   Hash
	Plain  []byte
	Sealed *EncryptedChunk
}

// NewPlainChunk constructs an unencrypted chunk.
func NewPlainChunk(hash Hash, data []byte) Chunk {
	return Chunk{Hash: hash, Plain: data}
}

// NewSealedChunk constructs an encrypted chunk.
func NewSealedChunk(hash Hash, enc *EncryptedChunk) Chunk {
	return Chunk{Hash: hash, Sealed: enc}
}

// IsEncrypted reports whether c carries a sealed payload.
func (c Chunk) IsEncrypted() bool { return c.Sealed != nil }

// Len returns the length of whichever payload is present.
func (c Chunk) Len() int {
	if c.Sealed != nil {
		return len(c.Sealed.Ciphertext)
	}
	return len(c.Plain)
}
