// Package wal implements the WriteAheadLog: an append-only durable journal
// of critical events with idempotency keys and crash replay, grounded on
// the append-only bookkeeping idiom of internal/db/migrate.go generalized
// to arbitrary event payloads.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Record kinds. The log itself does not interpret payload bytes; callers
// decide how to decode them on replay.
type Kind uint8

const (
	KindEconomyTx Kind = iota
	KindMapTransfer
)

// recordHeaderSize is tag(1) + event_id(16) + kind(1) + logical_ts(8), the
// portion of a begin record's body preceding its payload.
const recordHeaderSize = 1 + 16 + 1 + 8
const crcSize = 4

var ErrClosed = errors.New("wal: log is closed")
var ErrQuarantined = errors.New("wal: record quarantined, failed replay")

// Record is one WAL entry as read back during replay.
type Record struct {
	EventID   uuid.UUID
	Kind      Kind
	LogicalTs uint64
	Payload   []byte
	committed bool
	offset    int64
}

func (r Record) Committed() bool { return r.committed }

// Handle is returned by Begin; Commit takes it to mark the record done.
type Handle struct {
	eventID uuid.UUID
	offset  int64
}

func (h Handle) EventID() uuid.UUID { return h.eventID }

// WAL is a single append-only segment file plus a small commit index kept
// in memory (rebuilt from the file on open). Rotation creates a new
// segment once the active file exceeds rotateBytes; old segments are kept
// until every record in them is committed.
type WAL struct {
	mu           sync.Mutex
	dir          string
	rotateBytes  int64
	file         *os.File
	writer       *bufio.Writer
	size         int64
	segmentIndex int
	closed       bool

	// offset -> committed, for records written in the *active* segment
	// since open. Used only to answer Committed() queries pre-replay;
	// replay itself re-derives commit state from the file.
	pending map[int64]bool
}

// Open opens (creating if absent) the active WAL segment under dir.
func Open(dir string, rotateBytes int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating dir %s: %w", dir, err)
	}
	w := &WAL{dir: dir, rotateBytes: rotateBytes, pending: make(map[int64]bool)}
	if err := w.openActiveSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("segment-%06d.wal", index))
}

func (w *WAL) openActiveSegment() error {
	idx, err := latestSegmentIndex(w.dir)
	if err != nil {
		return err
	}
	w.segmentIndex = idx
	path := w.segmentPath(idx)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment %s: %w", path, err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.size = info.Size()
	return nil
}

func latestSegmentIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("wal: reading dir %s: %w", dir, err)
	}
	max := 0
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "segment-%06d.wal", &idx); err == nil && idx > max {
			max = idx
		}
	}
	return max, nil
}

// Begin appends a begun record with a durability barrier (fsync) before
// returning. Only after Begin returns may the caller start the
// authoritative DB transaction.
func (w *WAL) Begin(eventID uuid.UUID, kind Kind, logicalTs uint64, payload []byte) (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Handle{}, ErrClosed
	}

	if w.size >= w.rotateBytes {
		if err := w.rotateLocked(); err != nil {
			return Handle{}, err
		}
	}

	offset := w.size
	buf := encodeBeginRecord(eventID, kind, logicalTs, payload)
	n, err := w.writer.Write(buf)
	if err != nil {
		return Handle{}, fmt.Errorf("wal: append: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return Handle{}, fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Handle{}, fmt.Errorf("wal: fsync: %w", err)
	}

	w.size += int64(n)
	w.pending[offset] = false
	return Handle{eventID: eventID, offset: offset}, nil
}

// Commit marks h's record done, durably.
func (w *WAL) Commit(h Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	buf := encodeCommitRecord(h.eventID)
	if _, err := w.writer.Write(buf); err != nil {
		return fmt.Errorf("wal: append commit: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush commit: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync commit: %w", err)
	}
	w.size += int64(len(buf))
	w.pending[h.offset] = true
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}
	w.segmentIndex++
	path := w.segmentPath(w.segmentIndex)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening rotated segment %s: %w", path, err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.size = 0
	w.pending = make(map[int64]bool)
	slog.Info("wal: rotated", "segment", w.segmentIndex)
	return nil
}

// Stats reports the active segment index, its current size, and the
// number of records in it awaiting commit, for the admin HTTP surface's
// GET /runtime/persistence endpoint.
func (w *WAL) Stats() (segmentIndex int, sizeBytes int64, pendingRecords int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentIndex, w.size, len(w.pending)
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: closing flush: %w", err)
	}
	return w.file.Close()
}

// Replay scans every segment in dir and returns every begun-but-uncommitted
// record plus the set of quarantined (corrupt) records found along the way.
// It is a standalone function rather than a WAL method: replay happens
// before Open on recovery, against the same directory.
func Replay(dir string) (uncommitted []Record, quarantined []Record, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("wal: reading dir %s: %w", dir, err)
	}

	begun := make(map[uuid.UUID]Record)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := replaySegment(path, begun, &quarantined); err != nil {
			return nil, nil, err
		}
	}

	for _, r := range begun {
		uncommitted = append(uncommitted, r)
	}
	return uncommitted, quarantined, nil
}

func replaySegment(path string, begun map[uuid.UUID]Record, quarantined *[]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: opening segment %s for replay: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		rec, consumed, kind, err := readOne(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Warn("wal: quarantining truncated/corrupt tail", "segment", path, "offset", offset, "error", err)
			*quarantined = append(*quarantined, Record{offset: offset})
			break
		}
		switch kind {
		case recordKindBegin:
			rec.offset = offset
			begun[rec.EventID] = rec
		case recordKindCommit:
			if existing, ok := begun[rec.EventID]; ok {
				existing.committed = true
				delete(begun, rec.EventID)
			}
		}
		offset += int64(consumed)
	}
	return nil
}

// wire format, recordKindBegin:
//   len(u32) | tag(1)=0 | event_id(16) | kind(1) | logical_ts(u64) | payload | crc32(4)
// recordKindCommit:
//   len(u32) | tag(1)=1 | event_id(16) | crc32(4)
//
// The tag is a dedicated byte, never inferred from payload content: a begin
// record's payload is caller-supplied and can legitimately start with any
// byte value, including one that would collide with a commit marker.

const recordKindBegin = byte(0)
const recordKindCommit = byte(1)

func encodeBeginRecord(eventID uuid.UUID, kind Kind, logicalTs uint64, payload []byte) []byte {
	body := make([]byte, recordHeaderSize+len(payload))
	off := 0
	body[off] = recordKindBegin
	off++
	copy(body[off:], eventID[:])
	off += 16
	body[off] = byte(kind)
	off++
	binary.LittleEndian.PutUint64(body[off:], logicalTs)
	off += 8
	copy(body[off:], payload)

	buf := make([]byte, 4+len(body)+crcSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[4+len(body):], crc)
	return buf
}

func encodeCommitRecord(eventID uuid.UUID) []byte {
	body := make([]byte, 1+16)
	body[0] = recordKindCommit
	copy(body[1:], eventID[:])

	buf := make([]byte, 4+len(body)+crcSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[4+len(body):], crc)
	return buf
}

// readOne reads exactly one length-prefixed, crc-trailed record from r,
// returning the number of bytes consumed from the stream.
func readOne(r *bufio.Reader) (Record, int, byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return Record{}, 0, 0, io.EOF
		}
		return Record{}, 0, 0, fmt.Errorf("wal: reading length prefix: %w", err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf)

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, 0, fmt.Errorf("wal: reading body: %w", err)
	}

	crcBuf := make([]byte, crcSize)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return Record{}, 0, 0, fmt.Errorf("wal: reading crc: %w", err)
	}
	want := binary.LittleEndian.Uint32(crcBuf)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return Record{}, 0, 0, fmt.Errorf("wal: crc mismatch")
	}

	consumed := 4 + len(body) + crcSize

	if len(body) < 1 {
		return Record{}, 0, 0, fmt.Errorf("wal: empty record body")
	}

	switch body[0] {
	case recordKindCommit:
		if len(body) < 1+16 {
			return Record{}, 0, 0, fmt.Errorf("wal: commit record too short")
		}
		var eventID uuid.UUID
		copy(eventID[:], body[1:17])
		return Record{EventID: eventID}, consumed, recordKindCommit, nil
	case recordKindBegin:
		if len(body) < recordHeaderSize {
			return Record{}, 0, 0, fmt.Errorf("wal: begin record too short")
		}
		var eventID uuid.UUID
		copy(eventID[:], body[1:17])
		kind := Kind(body[17])
		logicalTs := binary.LittleEndian.Uint64(body[18:26])
		payload := append([]byte(nil), body[recordHeaderSize:]...)
		return Record{EventID: eventID, Kind: kind, LogicalTs: logicalTs, Payload: payload}, consumed, recordKindBegin, nil
	default:
		return Record{}, 0, 0, fmt.Errorf("wal: unknown record tag %d", body[0])
	}
}
