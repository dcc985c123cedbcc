// Package claudefs wires the storage substrate, reduction/key-management
// layer, and cross-site replication pipeline into one Node: the top-level
// API generalizing the teacher's CreateAndServe/Device/StopAndDelete
// lifecycle from "one ublk block device" to "one ClaudeFS replication
// site." The write path and lifecycle discipline (owned handles,
// context-cancellation-driven shutdown, metrics/observer wiring) are kept
// from backend.go; the body is replaced end to end with this data flow:
// reduction (derive key -> AEAD; no compression step) -> allocator
// placement -> I/O engine write -> journal append + fsync -> durable, with
// the pipeline tailing the journal asynchronously for replication.
package claudefs

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"sync"

	"lukechampine.com/blake3"

	"github.com/dirkpetersen/claudefs/internal/allocator"
	"github.com/dirkpetersen/claudefs/internal/authlimit"
	"github.com/dirkpetersen/claudefs/internal/block"
	"github.com/dirkpetersen/claudefs/internal/conduit"
	"github.com/dirkpetersen/claudefs/internal/conflict"
	"github.com/dirkpetersen/claudefs/internal/failover"
	"github.com/dirkpetersen/claudefs/internal/ioengine"
	"github.com/dirkpetersen/claudefs/internal/journal"
	"github.com/dirkpetersen/claudefs/internal/keymgr"
	"github.com/dirkpetersen/claudefs/internal/logging"
	"github.com/dirkpetersen/claudefs/internal/pipeline"
	"github.com/dirkpetersen/claudefs/internal/reduction"
	"github.com/dirkpetersen/claudefs/internal/throttle"
	"github.com/dirkpetersen/claudefs/internal/transport"
	"github.com/dirkpetersen/claudefs/internal/uidmap"
)

// Node is one ClaudeFS replication site: local durable storage plus the
// cross-site replication pipeline that fans out its journal to peers.
type Node struct {
	params NodeParams
	logger *logging.Logger

	Journal   *journal.Journal
	KeyMgr    *keymgr.Manager
	IOEngine  *ioengine.Engine
	Allocator *allocator.Allocator
	Conflict  *conflict.Resolver
	Failover  *failover.Manager
	AuthLimit *authlimit.Limiter
	UIDMapper *uidmap.Mapper
	Throttle  *throttle.Manager
	Pipeline  *pipeline.Pipeline

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewNode constructs a Node's components without starting the pipeline.
// Replication fans out only to the peers argument (an empty peer set is a
// valid single-site configuration).
func NewNode(params NodeParams, peers []pipeline.Peer, logger *logging.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithSite(params.SiteID)

	j, err := journal.New(journal.Config{
		SiteID:          params.SiteID,
		Dir:             params.JournalDir,
		MaxSegmentBytes: params.MaxSegmentBytes,
	}, logger)
	if err != nil {
		return nil, WrapError("open_journal", err)
	}

	km, err := keymgr.New(params.MaxKeyHistory, params.Algorithm)
	if err != nil {
		return nil, WrapError("init_key_manager", err)
	}

	ioeng, err := ioengine.New(params.IOEngine, logger)
	if err != nil {
		return nil, NewDeviceError("init_io_engine", 0, CodeDeviceError, err.Error())
	}

	alloc := allocator.New(logger)
	resolver := conflict.New(conflict.DefaultAuditLimit)
	fo := failover.New(failover.Config{
		FailureThreshold:  params.FailureThreshold,
		RecoveryThreshold: params.RecoveryThreshold,
	})
	uidMapper := uidmap.New()

	authLim := authlimit.New(authlimit.Config{
		MaxAuthAttemptsPerMinute: params.AuthMaxAttemptsPerMinute,
		LockoutDuration:          params.AuthLockoutDuration,
		AdminToken:               params.AdminToken,
	})

	throttleMgr := throttle.New(throttle.Config{
		ByteRatePerSec:  params.ThrottleByteRatePerSec,
		EntryRatePerSec: params.ThrottleEntryRatePerSec,
	})

	pl := pipeline.New(pipeline.Config{
		LocalSiteID:       params.LocalSiteID,
		MaxBatchSize:      params.MaxBatchSize,
		BatchTimeout:      params.BatchTimeout,
		CompactBeforeSend: params.CompactBeforeSend,
		ApplyUIDMapping:   params.ApplyUIDMapping,
		Peers:             peers,
		HMACKey:           params.HMACKey,
		Throttle:          throttleMgr,
		UIDMapper:         uidMapper,
	}, j, logger)

	return &Node{
		params:    params,
		logger:    logger,
		Journal:   j,
		KeyMgr:    km,
		IOEngine:  ioeng,
		Allocator: alloc,
		Conflict:  resolver,
		Failover:  fo,
		AuthLimit: authLim,
		UIDMapper: uidMapper,
		Throttle:  throttleMgr,
		Pipeline:  pl,
	}, nil
}

// Start begins the replication pipeline, tailing the journal from
// afterSeq onward.
func (n *Node) Start(ctx context.Context, afterSeq uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return NewSiteError("start", n.params.SiteID, CodeBlocked, "node already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := n.Pipeline.Start(runCtx, afterSeq); err != nil {
		cancel()
		return err
	}
	n.cancel = cancel
	n.started = true
	n.logger.Info("node started")
	return nil
}

// Stop drains the pipeline, then closes the journal and I/O engine. On a
// node that is not started it returns nil and closes nothing.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	if err := n.Pipeline.Stop(ctx); err != nil {
		n.logger.WithError(err).Warn("pipeline stop reported an error")
	}
	n.cancel()
	n.started = false

	n.IOEngine.CloseAll()
	if err := n.Journal.Close(); err != nil {
		return WrapError("close_journal", err)
	}
	n.logger.Info("node stopped")
	return nil
}

// WriteResult is the outcome of a successful Write: where the sealed
// chunk landed and the journal sequence number that recorded it.
type WriteResult struct {
	Seq uint64
	Ref block.Ref
}

// Write treats plaintext as a single chunk (data already split by the
// caller) and runs AEAD sealing (no compression is applied), block
// placement and the block write, then appends the journal entry and
// fsyncs it, which makes the entry visible to the pipeline.
func (n *Node) Write(ctx context.Context, deviceIdx uint16, identity string, timestampUs uint64, plaintext []byte, hint block.PlacementHint) (WriteResult, error) {
	dek, wrapped, err := n.sealingKey()
	if err != nil {
		return WriteResult{}, err
	}

	hash := reduction.Hash(blake3.Sum256(plaintext))
	chunk := reduction.NewPlainChunk(hash, plaintext)
	sealed, err := reduction.SealChunk(n.params.Algorithm, dek[:], chunk)
	if err != nil {
		return WriteResult{}, NewError("seal_chunk", CodeIOError, err.Error())
	}

	size, ok := fittingSizeClass(sealed.Sealed.Ciphertext)
	if !ok {
		return WriteResult{}, NewDeviceError("seal_chunk", deviceIdx, CodeInvalidBlockSize, "payload too large to place")
	}
	ref, err := n.Allocator.Alloc(deviceIdx, size, hint)
	if err != nil {
		return WriteResult{}, NewDeviceError("alloc", deviceIdx, CodeAllocatorError, err.Error())
	}

	ciphertextLen := uint64(len(sealed.Sealed.Ciphertext))
	padded := make([]byte, ref.ByteLength())
	copy(padded, sealed.Sealed.Ciphertext)
	checksum, err := n.IOEngine.Write(deviceIdx, ref.ByteOffset(), padded)
	if err != nil {
		_ = n.Allocator.Free(deviceIdx, ref)
		return WriteResult{}, NewDeviceError("write_block", deviceIdx, CodeIOError, err.Error())
	}

	op := encodeWriteOp(wrapped, ref, hash, sealed.Sealed.Algorithm, sealed.Sealed.Nonce, ciphertextLen, checksum)
	entry, err := n.Journal.Append(timestampUs, op, identity)
	if err != nil {
		return WriteResult{}, WrapError("append_journal", err)
	}
	if err := n.Journal.Sync(); err != nil {
		return WriteResult{}, WrapError("sync_journal", err)
	}

	return WriteResult{Seq: entry.Seq, Ref: ref}, nil
}

// Read reverses Write: given the Op payload a prior Write (or a tailed
// journal entry) recorded, it fetches the block, verifies its checksum,
// unwraps the DEK, and opens the sealed chunk back to plaintext. The
// metadata layer that maps an identity to its current Op is out of scope
// here, same as for Write; callers retain the Op from WriteResult or from
// internal/journal.Entry.Op.
func (n *Node) Read(ctx context.Context, op []byte) ([]byte, error) {
	decoded, err := decodeWriteOp(op)
	if err != nil {
		return nil, err
	}

	padded, err := n.IOEngine.Read(decoded.ref.ID.DeviceIdx, decoded.ref.ByteOffset(), decoded.ref.ByteLength(), decoded.checksum)
	if err != nil {
		return nil, NewDeviceError("read_block", decoded.ref.ID.DeviceIdx, CodeChecksumMismatch, err.Error())
	}
	if decoded.ciphertextLen > uint64(len(padded)) {
		return nil, NewDeviceError("read_block", decoded.ref.ID.DeviceIdx, CodeInvalidBlockSize, "recorded ciphertext length exceeds block size")
	}
	ciphertext := padded[:decoded.ciphertextLen]

	dek, err := n.KeyMgr.Unwrap(decoded.wrapped)
	if err != nil {
		return nil, WrapError("unwrap_key", err)
	}

	sealed := reduction.NewSealedChunk(decoded.hash, &reduction.EncryptedChunk{
		Algorithm:  decoded.algorithm,
		Nonce:      decoded.nonce,
		Ciphertext: ciphertext,
	})
	opened, err := reduction.OpenChunk(dek[:], sealed)
	if err != nil {
		return nil, NewError("open_chunk", CodeDecryptionAuthFailed, err.Error())
	}
	return opened.Plain, nil
}

// RegisterDevice opens a backing device for both the I/O engine and the
// allocator, which must agree on the same device index and total size
// before Write/Alloc can be used against it.
func (n *Node) RegisterDevice(deviceIdx uint16, path string, flags int, mode os.FileMode, totalBytes uint64) error {
	if err := n.IOEngine.RegisterDevice(deviceIdx, path, flags, mode, n.params.IOEngine.Alignment); err != nil {
		return NewDeviceError("register_device", deviceIdx, CodeDeviceError, err.Error())
	}
	if err := n.Allocator.RegisterDevice(deviceIdx, totalBytes); err != nil {
		return NewDeviceError("register_device", deviceIdx, CodeAllocatorError, err.Error())
	}
	return nil
}

// ApplyInbound resolves a peer-replicated entry against this node's
// current state for identity, per spec.md §4.8.
func (n *Node) ApplyInbound(identity string, inbound conflict.State) conflict.Outcome {
	return n.Conflict.Apply(identity, inbound)
}

// sealingKey mints a fresh DEK and wraps it under the current KEK.
func (n *Node) sealingKey() (keymgr.DEK, keymgr.WrappedKey, error) {
	var dek keymgr.DEK
	if _, err := rand.Read(dek[:]); err != nil {
		return keymgr.DEK{}, keymgr.WrappedKey{}, NewError("generate_dek", CodeIOError, err.Error())
	}
	wrapped, err := n.KeyMgr.Wrap(dek)
	if err != nil {
		return keymgr.DEK{}, keymgr.WrappedKey{}, WrapError("wrap_dek", err)
	}
	return dek, wrapped, nil
}

// fittingSizeClass returns the smallest block size class that can hold
// data, or false if it exceeds the largest class.
func fittingSizeClass(data []byte) (block.Size, bool) {
	n := uint64(len(data))
	for _, size := range block.All() {
		if size.AsBytes() >= n {
			return size, true
		}
	}
	return 0, false
}

// writeOp is the decoded form of a journal entry's Op payload for a write,
// carrying everything Read needs to locate, verify, and open the block a
// Write call placed.
type writeOp struct {
	wrapped       keymgr.WrappedKey
	ref           block.Ref
	hash          reduction.Hash
	algorithm     reduction.Algorithm
	nonce         [12]byte
	ciphertextLen uint64
	checksum      [32]byte
}

// encodeWriteOp serializes the pieces a peer (or this node's own Read path)
// needs to reconstruct a write: the wrapped DEK (with its own AEAD
// algorithm and nonce, needed to Unwrap it), the block placement, the
// content hash, the chunk's AEAD parameters, and the I/O engine's block
// checksum. Kept deliberately simple (length-prefixed fields) since the
// metadata layer that would otherwise define this wire format is out of
// scope.
func encodeWriteOp(wrapped keymgr.WrappedKey, ref block.Ref, hash reduction.Hash, alg reduction.Algorithm, nonce [12]byte, ciphertextLen uint64, checksum [32]byte) []byte {
	var hdr [8 + 1 + 12 + 2 + 8 + 8 + 32 + 1 + 12 + 8 + 32]byte
	off := 0
	putUint64At(hdr[off:off+8], wrapped.Version)
	off += 8
	hdr[off] = byte(wrapped.Sealed.Algorithm)
	off++
	copy(hdr[off:off+12], wrapped.Sealed.Nonce[:])
	off += 12
	hdr[off] = byte(ref.ID.DeviceIdx >> 8)
	hdr[off+1] = byte(ref.ID.DeviceIdx)
	off += 2
	putUint64At(hdr[off:off+8], ref.ID.Offset)
	off += 8
	putUint64At(hdr[off:off+8], uint64(ref.Size))
	off += 8
	copy(hdr[off:off+32], hash[:])
	off += 32
	hdr[off] = byte(alg)
	off++
	copy(hdr[off:off+12], nonce[:])
	off += 12
	putUint64At(hdr[off:off+8], ciphertextLen)
	off += 8
	copy(hdr[off:off+32], checksum[:])

	out := make([]byte, 0, len(hdr)+4+len(wrapped.Sealed.Ciphertext))
	out = append(out, hdr[:]...)
	out = appendLenPrefixed(out, wrapped.Sealed.Ciphertext)
	return out
}

// decodeWriteOp reverses encodeWriteOp.
func decodeWriteOp(op []byte) (writeOp, error) {
	const hdrLen = 8 + 1 + 12 + 2 + 8 + 8 + 32 + 1 + 12 + 8 + 32
	if len(op) < hdrLen+4 {
		return writeOp{}, NewError("decode_write_op", CodeFrameTooLarge, "write op too short")
	}
	off := 0
	version := getUint64At(op[off : off+8])
	off += 8
	wrappedAlg := reduction.Algorithm(op[off])
	off++
	var wrappedNonce [12]byte
	copy(wrappedNonce[:], op[off:off+12])
	off += 12
	deviceIdx := uint16(op[off])<<8 | uint16(op[off+1])
	off += 2
	offset := getUint64At(op[off : off+8])
	off += 8
	size := getUint64At(op[off : off+8])
	off += 8
	var hash reduction.Hash
	copy(hash[:], op[off:off+32])
	off += 32
	alg := reduction.Algorithm(op[off])
	off++
	var nonce [12]byte
	copy(nonce[:], op[off:off+12])
	off += 12
	ciphertextLen := getUint64At(op[off : off+8])
	off += 8
	var checksum [32]byte
	copy(checksum[:], op[off:off+32])
	off += 32

	wrappedLen := uint32(op[off])<<24 | uint32(op[off+1])<<16 | uint32(op[off+2])<<8 | uint32(op[off+3])
	off += 4
	if uint64(len(op)-off) < uint64(wrappedLen) {
		return writeOp{}, NewError("decode_write_op", CodeFrameTooLarge, "write op truncated wrapped key")
	}
	wrappedCiphertext := make([]byte, wrappedLen)
	copy(wrappedCiphertext, op[off:off+int(wrappedLen)])

	return writeOp{
		wrapped: keymgr.WrappedKey{
			Version: version,
			Sealed:  &reduction.EncryptedChunk{Algorithm: wrappedAlg, Nonce: wrappedNonce, Ciphertext: wrappedCiphertext},
		},
		ref:           block.Ref{ID: block.ID{DeviceIdx: deviceIdx, Offset: offset}, Size: block.Size(size)},
		hash:          hash,
		algorithm:     alg,
		nonce:         nonce,
		ciphertextLen: ciphertextLen,
		checksum:      checksum,
	}, nil
}

func putUint64At(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64At(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func appendLenPrefixed(out []byte, data []byte) []byte {
	var lenBuf [4]byte
	n := uint32(len(data))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	out = append(out, lenBuf[:]...)
	out = append(out, data...)
	return out
}

// NewReceiver creates a bounded inbound batch queue for this node, to be
// fed by a conduit listener once mTLS dialing and transport framing are
// wired in by the caller (internal/transport composes with this package
// without claudefs importing net/tls concerns itself).
func (n *Node) NewReceiver(cfg conduit.ReceiverConfig) *conduit.Receiver {
	return conduit.NewReceiver(cfg)
}

// DecodeInboundFrame parses one wire frame a peer connection has read off
// the network, translating internal/transport's sentinel errors into the
// Protocol error taxonomy so callers can match against Code with IsCode
// regardless of which layer rejected the frame.
func (n *Node) DecodeInboundFrame(buf []byte) (transport.FrameHeader, []byte, error) {
	header, payload, err := transport.DecodeFrame(buf)
	if err == nil {
		return header, payload, nil
	}

	var badMagic *transport.ErrBadMagic
	var badVersion *transport.ErrBadVersion
	var badOpcode *transport.ErrBadOpcode
	var tooLarge *transport.ErrPayloadTooLarge
	switch {
	case errors.As(err, &badMagic):
		return transport.FrameHeader{}, nil, NewError("decode_frame", CodeBadMagic, err.Error())
	case errors.As(err, &badVersion):
		return transport.FrameHeader{}, nil, NewError("decode_frame", CodeBadVersion, err.Error())
	case errors.As(err, &badOpcode):
		return transport.FrameHeader{}, nil, NewError("decode_frame", CodeBadOpcode, err.Error())
	case errors.As(err, &tooLarge):
		return transport.FrameHeader{}, nil, NewError("decode_frame", CodeFrameTooLarge, err.Error())
	default:
		return transport.FrameHeader{}, nil, WrapError("decode_frame", err)
	}
}
