// Package transport implements the shared wire envelope of spec.md
// §4.10: a framed binary protocol, a per-peer circuit breaker, and a
// consistent-hash ring, none of which share state with each other.
// Grounded on spec.md §4.10 directly. No circuit-breaker or
// consistent-hash-ring library appears in any example repo's go.mod in
// the retrieved pack, so both are hand-rolled as small, fully specified
// state machines; the frame header uses stdlib encoding/binary the way
// the teacher's internal/uapi package encodes fixed-layout kernel
// structs, and the ring hashes with stdlib hash/fnv, matching the
// teacher's direct use of small stdlib hash/crc utilities (e.g.
// trustelem-go-diskfs's ext4/crc32c.go) rather than pulling in a
// dedicated consistent-hashing module.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/dirkpetersen/claudefs/internal/constants"
)

// FrameMagic identifies a ClaudeFS transport frame.
const FrameMagic uint32 = 0x43465331 // "CFS1"

// FrameVersion is the current wire format version.
const FrameVersion uint8 = 1

// Opcode identifies the operation a frame carries.
type Opcode uint8

const (
	OpJournalAppend Opcode = iota + 1
	OpJournalSync
	OpEntryBatch
	OpHealthPing
	OpBlockRead
	OpBlockWrite
	OpKeyRewrap
	OpAdmin
)

func (op Opcode) String() string {
	switch op {
	case OpJournalAppend:
		return "JournalAppend"
	case OpJournalSync:
		return "JournalSync"
	case OpEntryBatch:
		return "EntryBatch"
	case OpHealthPing:
		return "HealthPing"
	case OpBlockRead:
		return "BlockRead"
	case OpBlockWrite:
		return "BlockWrite"
	case OpKeyRewrap:
		return "KeyRewrap"
	case OpAdmin:
		return "Admin"
	default:
		return "Unknown"
	}
}

// Flag bits carried in FrameHeader.Flags.
const (
	FlagNone  uint8 = 0
	FlagReply uint8 = 1 << 0
	FlagError uint8 = 1 << 1
)

// headerSize is the encoded length of a FrameHeader.
const headerSize = 4 + 1 + 1 + 1 + 4 // magic + version + opcode + flags + payload_len

// FrameHeader precedes every frame's payload on the wire.
type FrameHeader struct {
	Magic      uint32
	Version    uint8
	Opcode     Opcode
	Flags      uint8
	PayloadLen uint32
}

// EncodeFrame serializes header and payload into one wire frame.
// header.Magic and header.Version are set automatically. An oversized
// payload returns *ErrPayloadTooLarge without allocating the frame.
func EncodeFrame(opcode Opcode, flags uint8, payload []byte) ([]byte, error) {
	if len(payload) > constants.MaxPayloadSize {
		return nil, &ErrPayloadTooLarge{Len: uint32(len(payload)), Max: constants.MaxPayloadSize}
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], FrameMagic)
	buf[4] = FrameVersion
	buf[5] = byte(opcode)
	buf[6] = flags
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// DecodeFrame parses a header followed by its payload out of buf. It
// returns the header, the payload slice (aliasing buf), and an error if
// buf is too short, the magic or version is wrong, the opcode is unknown,
// or the declared payload length exceeds constants.MaxPayloadSize or the
// remaining buffer.
func DecodeFrame(buf []byte) (FrameHeader, []byte, error) {
	if len(buf) < headerSize {
		return FrameHeader{}, nil, fmt.Errorf("transport: frame too short: %d bytes", len(buf))
	}

	h := FrameHeader{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    buf[4],
		Opcode:     Opcode(buf[5]),
		Flags:      buf[6],
		PayloadLen: binary.BigEndian.Uint32(buf[7:11]),
	}
	if h.Magic != FrameMagic {
		return FrameHeader{}, nil, &ErrBadMagic{Got: h.Magic}
	}
	if h.Version != FrameVersion {
		return FrameHeader{}, nil, &ErrBadVersion{Got: h.Version}
	}
	if h.Opcode < OpJournalAppend || h.Opcode > OpAdmin {
		return FrameHeader{}, nil, &ErrBadOpcode{Got: h.Opcode}
	}
	if h.PayloadLen > constants.MaxPayloadSize {
		return FrameHeader{}, nil, &ErrPayloadTooLarge{Len: h.PayloadLen, Max: constants.MaxPayloadSize}
	}
	if uint32(len(buf)-headerSize) < h.PayloadLen {
		return FrameHeader{}, nil, fmt.Errorf("transport: declared payload %d exceeds buffer", h.PayloadLen)
	}

	return h, buf[headerSize : headerSize+int(h.PayloadLen)], nil
}
