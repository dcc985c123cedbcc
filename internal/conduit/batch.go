// Package conduit implements the authenticated, encrypted,
// integrity-checked inter-site channel of spec.md §4.4: EntryBatch
// framing, an application-layer HMAC independent of transport security,
// and a bounded receive-side queue addressing §9's "unbounded receive
// queues on the conduit" design note.
//
// Grounded on spec.md §4.4 and §9 directly. Transport-layer mutual
// authentication is consumed via stdlib crypto/tls (a *tls.Config is
// accepted by callers that dial/listen; this package does not configure
// certificates itself, since cert material is an external collaborator
// per spec.md §1). The integrity tag uses stdlib crypto/hmac+
// crypto/sha256 — no ecosystem HMAC library appears anywhere in the
// retrieved pack. Optional batch compression reuses
// github.com/pierrec/lz4/v4, the same codec internal/reduction uses for
// hot/warm block data. The bounded receive-side drain uses
// github.com/joeycumines/go-longpoll, whose size-or-timeout channel drain
// is an exact fit for "receive as many queued batches as are available,
// without blocking indefinitely for a full batch."
package conduit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// EntryBatch is spec.md §4.4's wire unit: a contiguous range of one
// site's journal entries, optionally compressed, carrying an independent
// integrity tag over its entries.
type EntryBatch struct {
	SourceSiteID uint64
	FirstSeq     uint64
	LastSeq      uint64
	Compressed   bool
	IntegrityTag []byte // HMAC-SHA256, computed per the Open Question resolution: after compression
	Entries      []byte // serialized entries, compressed iff Compressed
}

// EncodeBatch serializes a batch of already-encoded journal entries
// (serializedEntries, caller-defined framing) into an EntryBatch. If
// compress is true, serializedEntries is lz4-compressed before the
// integrity tag is computed, so the receiver can reject a corrupted wire
// payload before spending CPU on decompression.
func EncodeBatch(sourceSiteID, firstSeq, lastSeq uint64, serializedEntries []byte, compress bool, hmacKey []byte) (EntryBatch, error) {
	payload := serializedEntries
	if compress {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(serializedEntries); err != nil {
			return EntryBatch{}, fmt.Errorf("conduit: compress batch: %w", err)
		}
		if err := w.Close(); err != nil {
			return EntryBatch{}, fmt.Errorf("conduit: compress batch: %w", err)
		}
		if buf.Len() < len(serializedEntries) {
			payload = buf.Bytes()
		} else {
			// Incompressible input: report Compressed=false so the
			// receiver doesn't attempt to decompress a non-compressed
			// payload.
			compress = false
			payload = serializedEntries
		}
	}

	tag := computeTag(sourceSiteID, firstSeq, lastSeq, compress, payload, hmacKey)

	return EntryBatch{
		SourceSiteID: sourceSiteID,
		FirstSeq:     firstSeq,
		LastSeq:      lastSeq,
		Compressed:   compress,
		IntegrityTag: tag,
		Entries:      payload,
	}, nil
}

// VerifyBatch checks that batch.SourceSiteID matches the
// transport-authenticated identity, verifies the integrity tag, and
// returns the decompressed (if needed) serialized entries.
func VerifyBatch(batch EntryBatch, authenticatedSiteID uint64, hmacKey []byte) ([]byte, error) {
	if batch.SourceSiteID != authenticatedSiteID {
		return nil, ErrSiteMismatch
	}

	want := computeTag(batch.SourceSiteID, batch.FirstSeq, batch.LastSeq, batch.Compressed, batch.Entries, hmacKey)
	if !hmac.Equal(want, batch.IntegrityTag) {
		return nil, ErrIntegrityTagInvalid
	}

	if !batch.Compressed {
		return batch.Entries, nil
	}

	r := lz4.NewReader(bytes.NewReader(batch.Entries))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("conduit: decompress batch: %w", err)
	}
	return out, nil
}

func computeTag(sourceSiteID, firstSeq, lastSeq uint64, compressed bool, payload, hmacKey []byte) []byte {
	h := hmac.New(sha256.New, hmacKey)

	var hdr [8 + 8 + 8 + 1]byte
	binary.BigEndian.PutUint64(hdr[0:8], sourceSiteID)
	binary.BigEndian.PutUint64(hdr[8:16], firstSeq)
	binary.BigEndian.PutUint64(hdr[16:24], lastSeq)
	if compressed {
		hdr[24] = 1
	}

	_, _ = h.Write(hdr[:])
	_, _ = h.Write(payload)
	return h.Sum(nil)
}
