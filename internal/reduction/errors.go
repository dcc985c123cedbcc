package reduction

import "errors"

// ErrDecryptionAuthFailed is the single opaque error returned for a
// tampered tag, wrong key, or wrong nonce, per spec.md §4.2: no
// differential error is exposed to avoid an oracle leaking which
// precondition failed.
var ErrDecryptionAuthFailed = errors.New("reduction: decryption authentication failed")

// ErrAlreadySealed is returned by SealChunk when its input chunk is
// already sealed.
var ErrAlreadySealed = errors.New("reduction: chunk cannot carry both plaintext and sealed payloads")

// ErrUnknownAlgorithm is returned for an AEAD algorithm tag this build does
// not implement.
var ErrUnknownAlgorithm = errors.New("reduction: unknown AEAD algorithm")
