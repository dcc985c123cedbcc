package reduction

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm identifies the AEAD construction used to seal a chunk.
type Algorithm uint8

const (
	// AlgorithmAES256GCM seals with stdlib AES-256 in GCM mode.
	AlgorithmAES256GCM Algorithm = iota
	// AlgorithmChaCha20Poly1305 seals with golang.org/x/crypto/chacha20poly1305.
	AlgorithmChaCha20Poly1305
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAES256GCM:
		return "AES-256-GCM"
	case AlgorithmChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "unknown"
	}
}

const nonceSize = 12 // 96 bits, per spec.md §4.2.

// EncryptedChunk is the sealed variant of a Chunk: ciphertext with its
// authentication tag appended (the stdlib/x-crypto AEAD convention), tagged
// with the algorithm and nonce needed to open it.
type EncryptedChunk struct {
	Algorithm  Algorithm
	Nonce      [nonceSize]byte
	Ciphertext []byte
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// DeriveChunkKey derives a 32-byte per-chunk key from masterKey and the
// chunk's content hash via HKDF-SHA256 with salt=∅ and
// info="claudefs-chunk-key" ‖ chunkHash, exactly as spec.md §4.2 specifies.
// Deterministic by construction: the same (masterKey, chunkHash) pair
// always derives the same key, which is what makes deduplication possible
// — there is no forward secrecy at chunk granularity, a documented
// trade-off, not an oversight.
func DeriveChunkKey(masterKey []byte, chunkHash Hash) ([32]byte, error) {
	info := append([]byte("claudefs-chunk-key"), chunkHash[:]...)
	r := hkdf.New(sha256.New, masterKey, nil, info)
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [32]byte{}, err
	}
	return out, nil
}

// Seal encrypts plaintext under key with a fresh random nonce, producing an
// EncryptedChunk whose ciphertext includes the authentication tag.
func Seal(alg Algorithm, key []byte, plaintext []byte) (*EncryptedChunk, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)
	return &EncryptedChunk{Algorithm: alg, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Open decrypts enc under key, returning the single opaque
// ErrDecryptionAuthFailed for any failure — tampered tag, wrong key, or
// wrong nonce are all indistinguishable to the caller by design, per
// spec.md §4.2's anti-oracle requirement.
func Open(key []byte, enc *EncryptedChunk) ([]byte, error) {
	aead, err := newAEAD(enc.Algorithm, key)
	if err != nil {
		return nil, ErrDecryptionAuthFailed
	}
	plaintext, err := aead.Open(nil, enc.Nonce[:], enc.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionAuthFailed
	}
	return plaintext, nil
}

// SealChunk seals plain's payload into a new chunk, returning the Sealed
// variant; plain itself is not modified.
// plain must not already be encrypted.
func SealChunk(alg Algorithm, masterKey []byte, plain Chunk) (Chunk, error) {
	if plain.IsEncrypted() {
		return Chunk{}, ErrAlreadySealed
	}
	key, err := DeriveChunkKey(masterKey, plain.Hash)
	if err != nil {
		return Chunk{}, err
	}
	enc, err := Seal(alg, key[:], plain.Plain)
	if err != nil {
		return Chunk{}, err
	}
	return NewSealedChunk(plain.Hash, enc), nil
}

// OpenChunk reverses SealChunk.
func OpenChunk(masterKey []byte, sealed Chunk) (Chunk, error) {
	if !sealed.IsEncrypted() {
		return sealed, nil
	}
	key, err := DeriveChunkKey(masterKey, sealed.Hash)
	if err != nil {
		return Chunk{}, err
	}
	plaintext, err := Open(key[:], sealed.Sealed)
	if err != nil {
		return Chunk{}, err
	}
	return NewPlainChunk(sealed.Hash, plaintext), nil
}
