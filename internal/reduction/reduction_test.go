package reduction

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/internal/block"
)

func TestChunkingDeterministic(t *testing.T) {
	data := make([]byte, 4*MinChunkSize)
	_, err := rand.Read(data)
	require.NoError(t, err)

	chunksA, err := ChunkBytes(data)
	require.NoError(t, err)
	chunksB, err := ChunkBytes(data)
	require.NoError(t, err)

	require.Equal(t, len(chunksA), len(chunksB))
	for i := range chunksA {
		assert.Equal(t, chunksA[i].Hash, chunksB[i].Hash)
		assert.True(t, bytes.Equal(chunksA[i].Plain, chunksB[i].Plain))
	}
}

func TestChunksReassembleToOriginal(t *testing.T) {
	data := make([]byte, 3*MinChunkSize+12345)
	_, err := rand.Read(data)
	require.NoError(t, err)

	chunks, err := ChunkBytes(data)
	require.NoError(t, err)

	var reassembled bytes.Buffer
	for _, c := range chunks {
		reassembled.Write(c.Plain)
	}
	assert.True(t, bytes.Equal(data, reassembled.Bytes()))
}

func TestDeriveChunkKeyDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)
	hash := Hash{1, 2, 3}

	k1, err := DeriveChunkKey(master, hash)
	require.NoError(t, err)
	k2, err := DeriveChunkKey(master, hash)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveChunkKey(master, Hash{1, 2, 4})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmAES256GCM, AlgorithmChaCha20Poly1305} {
		key := bytes.Repeat([]byte{0x7}, 32)
		plaintext := []byte("claudefs chunk payload")

		enc, err := Seal(alg, key, plaintext)
		require.NoError(t, err)

		got, err := Open(key, enc)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestOpenWithWrongKeyFailsOpaquely(t *testing.T) {
	key := bytes.Repeat([]byte{0x7}, 32)
	wrongKey := bytes.Repeat([]byte{0x8}, 32)

	enc, err := Seal(AlgorithmAES256GCM, key, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(wrongKey, enc)
	assert.ErrorIs(t, err, ErrDecryptionAuthFailed)
}

func TestOpenWithTamperedCiphertextFailsOpaquely(t *testing.T) {
	key := bytes.Repeat([]byte{0x7}, 32)
	enc, err := Seal(AlgorithmAES256GCM, key, []byte("secret"))
	require.NoError(t, err)

	enc.Ciphertext[0] ^= 0xFF
	_, err = Open(key, enc)
	assert.ErrorIs(t, err, ErrDecryptionAuthFailed)
}

func TestChunkCannotBeBothPlainAndSealed(t *testing.T) {
	master := bytes.Repeat([]byte{0x1}, 32)
	plain := NewPlainChunk(Hash{9}, []byte("data"))

	sealed, err := SealChunk(AlgorithmAES256GCM, master, plain)
	require.NoError(t, err)
	assert.True(t, sealed.IsEncrypted())
	assert.Nil(t, sealed.Plain)

	_, err = SealChunk(AlgorithmAES256GCM, master, sealed)
	assert.ErrorIs(t, err, ErrAlreadySealed)
}

func TestSealOpenChunkRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{0x5}, 32)
	plain := NewPlainChunk(Hash{3, 3, 3}, []byte("round trip payload"))

	sealed, err := SealChunk(AlgorithmChaCha20Poly1305, master, plain)
	require.NoError(t, err)

	opened, err := OpenChunk(master, sealed)
	require.NoError(t, err)
	assert.Equal(t, plain.Plain, opened.Plain)
}

func TestCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 500)

	for _, hint := range []block.PlacementHint{block.PlacementHotData, block.PlacementColdData} {
		codec := SelectCodec(hint)
		compressed, err := codec.Compress(data)
		require.NoError(t, err)

		decompressed, err := codec.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, data, decompressed)
	}
}

func TestSelectCodecByHint(t *testing.T) {
	assert.Equal(t, "lz4", SelectCodec(block.PlacementHotData).Name())
	assert.Equal(t, "lz4", SelectCodec(block.PlacementWarmData).Name())
	assert.Equal(t, "xz", SelectCodec(block.PlacementColdData).Name())
	assert.Equal(t, "xz", SelectCodec(block.PlacementSnapshot).Name())
}
