package reduction

import (
	"bytes"
	"io"

	"github.com/whyrusleeping/chunker"
	"lukechampine.com/blake3"
)

// Default chunk size bounds, matching the library's own sane-boundary
// defaults (grounded on github.com/whyrusleeping/chunker, the CDC engine
// go-ipfs's chunker package builds on, present in the retrieval pack's
// IPFS-adjacent manifests).
const (
	MinChunkSize = 512 * 1024
	MaxChunkSize = 8 * 1024 * 1024
)

// chunkerPolynomial is fixed rather than randomized per spec.md §4.2's
// determinism property: "same input -> same chunk boundaries" must also
// hold across process restarts and across sites, which a randomized
// polynomial (the library's usual anti-fingerprinting default) would break.
var chunkerPolynomial = chunker.Pol(0x3DA3358B4DC173)

// Chunker splits a stream into content-defined chunks with a rolling
// fingerprint boundary, computing each chunk's content hash as it goes.
type Chunker struct {
	c *chunker.Chunker
}

// NewChunker wraps r for content-defined chunking.
func NewChunker(r io.Reader) *Chunker {
	c := chunker.New(r, chunkerPolynomial)
	c.MinSize = MinChunkSize
	c.MaxSize = MaxChunkSize
	return &Chunker{c: c}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
// Deterministic per input: the same byte stream always yields the same
// sequence of chunk boundaries and hashes.
func (ck *Chunker) Next() (Chunk, error) {
	buf := make([]byte, MaxChunkSize)
	chnk, err := ck.c.Next(buf)
	if err != nil {
		return Chunk{}, err
	}
	data := append([]byte(nil), chnk.Data...)
	return NewPlainChunk(blake3.Sum256(data), data), nil
}

// ChunkAll splits the full contents of r into chunks, for callers that
// don't need streaming behavior.
func ChunkAll(r io.Reader) ([]Chunk, error) {
	ck := NewChunker(r)
	var chunks []Chunk
	for {
		c, err := ck.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}

// ChunkBytes is a convenience wrapper over ChunkAll for in-memory input.
func ChunkBytes(data []byte) ([]Chunk, error) {
	return ChunkAll(bytes.NewReader(data))
}
