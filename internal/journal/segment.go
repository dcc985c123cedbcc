package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	times "gopkg.in/djherbis/times.v1"
)

// SegmentMeta describes a sealed WAL segment: its on-disk identity, the
// seq range it covers, and its birth/seal times. BirthTime is read from the
// segment file's own timestamps when the segment is created. Nothing in
// this package compacts or deletes segments.
type SegmentMeta struct {
	ID        uuid.UUID
	Path      string
	FirstSeq  uint64
	LastSeq   uint64
	BirthTime time.Time
	SealedAt  time.Time
}

// segment is the active, appendable tail of the journal: one file per
// segment, written sequentially and fsynced on demand. It mirrors the
// append-fsm's notion of a Fragment that accumulates client content until
// it is rolled and committed.
type segment struct {
	meta SegmentMeta
	file *os.File
	w    *bufio.Writer
	size uint64
}

func createSegment(dir string) (*segment, error) {
	id := uuid.New()
	path := filepath.Join(dir, fmt.Sprintf("segment-%s.wal", id))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("journal: create segment: %w", err)
	}

	birth := time.Now()
	if ts, err := times.Stat(path); err == nil {
		if ts.HasBirthTime() {
			birth = ts.BirthTime()
		} else {
			birth = ts.ModTime()
		}
	}

	return &segment{
		meta: SegmentMeta{
			ID:        id,
			Path:      path,
			BirthTime: birth,
		},
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// appendRecord serializes one journal entry as:
//
//	seq(8) site_id(8) timestamp_us(8) identity_len(4) identity op_len(4) op
//
// and buffers it in the segment's writer. It does not fsync; durability is
// the caller's responsibility via Sync.
func (s *segment) appendRecord(e Entry) (uint64, error) {
	identity := []byte(e.Identity)

	hdr := make([]byte, 8+8+8+4)
	binary.BigEndian.PutUint64(hdr[0:8], e.Seq)
	binary.BigEndian.PutUint64(hdr[8:16], e.SiteID)
	binary.BigEndian.PutUint64(hdr[16:24], e.TimestampUs)
	binary.BigEndian.PutUint32(hdr[24:28], uint32(len(identity)))

	opLen := make([]byte, 4)
	binary.BigEndian.PutUint32(opLen, uint32(len(e.Op)))

	n := 0
	for _, chunk := range [][]byte{hdr, identity, opLen, e.Op} {
		written, err := s.w.Write(chunk)
		n += written
		if err != nil {
			return uint64(n), fmt.Errorf("journal: append record: %w", err)
		}
	}

	if s.meta.FirstSeq == 0 {
		s.meta.FirstSeq = e.Seq
	}
	s.meta.LastSeq = e.Seq
	s.size += uint64(n)
	return uint64(n), nil
}

// fsync flushes the buffered writer and fsyncs the underlying file, making
// every record written so far durable per spec.md §4.4's WAL contract.
func (s *segment) fsync() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush segment: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync segment: %w", err)
	}
	return nil
}

// seal fsyncs, records the seal time, and closes the segment file. A
// sealed segment never accepts further writes.
func (s *segment) seal() (SegmentMeta, error) {
	if err := s.fsync(); err != nil {
		return SegmentMeta{}, err
	}
	s.meta.SealedAt = time.Now()
	if err := s.file.Close(); err != nil {
		return SegmentMeta{}, fmt.Errorf("journal: close sealed segment: %w", err)
	}
	return s.meta, nil
}
