// ringfile.go provides the OpLog's durable backing store: a dedicated,
// memory-mapped, append-only file of length-prefixed records (spec.md §6,
// "OpLog: append-only, fixed-size ring of fixed-size pages"). The technique
// — a header page plus a growing mmap region, synced with msync — is the
// one the teacher's pkg/wal/mmap.go uses for its cache persister; the OpLog
// reuses it for its own record stream instead of cache slice entries.
//
// File format:
//
//	Header (64 bytes):
//	  Magic: "DCLG" (4 bytes)
//	  Version: uint16
//	  RecordCount: uint32
//	  NextOffset: uint64
//	  Reserved: 46 bytes
//
//	Records (variable), each:
//	  LogID: uint64
//	  Type: uint8
//	  PayloadLen: uint32
//	  Payload: gob-encoded event payload
package oplog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	ringMagic       = "DCLG"
	ringVersion     = uint16(1)
	ringHeaderSize  = 64
	ringInitialSize = 8 * 1024 * 1024
	ringGrowth      = 2
)

// ErrLogFull is returned when the ring cannot grow past its configured
// maximum size (spec.md §7, LogFull).
var ErrLogFull = errors.New("oplog: log full")

// ErrCorrupted is returned when the ring file fails its header/record
// validation.
var ErrCorrupted = errors.New("oplog: corrupted log file")

type ringHeader struct {
	Magic       [4]byte
	Version     uint16
	RecordCount uint32
	NextOffset  uint64
}

// ringFile is the mmap-backed append log underlying the OpLog.
type ringFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	data    []byte
	size    uint64
	maxSize uint64
	header  *ringHeader
}

func openRingFile(path string, maxSize uint64) (*ringFile, error) {
	existing := true
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		existing = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open ring file: %w", err)
	}

	size := uint64(ringInitialSize)
	if existing {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		size = uint64(st.Size())
	} else {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("oplog: mmap: %w", err)
	}

	rf := &ringFile{path: path, file: f, data: data, size: size, maxSize: maxSize}

	if existing {
		if err := rf.loadHeader(); err != nil {
			rf.Close()
			return nil, err
		}
	} else {
		rf.header = &ringHeader{NextOffset: ringHeaderSize}
		copy(rf.header.Magic[:], ringMagic)
		rf.header.Version = ringVersion
		rf.writeHeader()
	}

	return rf, nil
}

func (rf *ringFile) loadHeader() error {
	if len(rf.data) < ringHeaderSize {
		return ErrCorrupted
	}
	var h ringHeader
	copy(h.Magic[:], rf.data[0:4])
	if string(h.Magic[:]) != ringMagic {
		return ErrCorrupted
	}
	h.Version = binary.LittleEndian.Uint16(rf.data[4:6])
	h.RecordCount = binary.LittleEndian.Uint32(rf.data[6:10])
	h.NextOffset = binary.LittleEndian.Uint64(rf.data[10:18])
	rf.header = &h
	return nil
}

func (rf *ringFile) writeHeader() {
	copy(rf.data[0:4], rf.header.Magic[:])
	binary.LittleEndian.PutUint16(rf.data[4:6], rf.header.Version)
	binary.LittleEndian.PutUint32(rf.data[6:10], rf.header.RecordCount)
	binary.LittleEndian.PutUint64(rf.data[10:18], rf.header.NextOffset)
}

// Append writes a record at the current end of the log and returns only
// an error. It grows the backing file if needed, and fails with ErrLogFull if growth
// would exceed maxSize.
func (rf *ringFile) Append(logID uint64, t EventType, payload any) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return fmt.Errorf("oplog: encode payload: %w", err)
	}
	payloadBytes := buf.Bytes()

	recordLen := 8 + 1 + 4 + len(payloadBytes)
	needed := rf.header.NextOffset + uint64(recordLen)

	if needed > rf.size {
		if err := rf.grow(needed); err != nil {
			return err
		}
	}

	off := rf.header.NextOffset
	binary.LittleEndian.PutUint64(rf.data[off:off+8], logID)
	rf.data[off+8] = byte(t)
	binary.LittleEndian.PutUint32(rf.data[off+9:off+13], uint32(len(payloadBytes)))
	copy(rf.data[off+13:off+13+uint64(len(payloadBytes))], payloadBytes)

	rf.header.NextOffset = off + uint64(recordLen)
	rf.header.RecordCount++
	rf.writeHeader()

	return nil
}

func (rf *ringFile) grow(needed uint64) error {
	newSize := rf.size
	for newSize < needed {
		newSize *= ringGrowth
	}
	if rf.maxSize > 0 && newSize > rf.maxSize {
		return ErrLogFull
	}

	if err := unix.Munmap(rf.data); err != nil {
		return err
	}
	if err := rf.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	data, err := unix.Mmap(int(rf.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	rf.data = data
	rf.size = newSize
	return nil
}

// ringRecord is a decoded record read back from the file.
type ringRecord struct {
	LogID   uint64
	Type    EventType
	Payload any
}

// ReadAll decodes every record in the file in append order, used for
// DirtyStart replay and the offline replayer tool.
func (rf *ringFile) ReadAll() ([]ringRecord, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	var records []ringRecord
	off := uint64(ringHeaderSize)
	for off < rf.header.NextOffset {
		if off+13 > rf.size {
			return nil, ErrCorrupted
		}
		logID := binary.LittleEndian.Uint64(rf.data[off : off+8])
		t := EventType(rf.data[off+8])
		plen := binary.LittleEndian.Uint32(rf.data[off+9 : off+13])
		start := off + 13
		end := start + uint64(plen)
		if end > rf.size {
			return nil, ErrCorrupted
		}

		var payload any
		dec := gob.NewDecoder(bytes.NewReader(rf.data[start:end]))
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("oplog: decode record at %d: %w", off, err)
		}

		records = append(records, ringRecord{LogID: logID, Type: t, Payload: payload})
		off = end
	}
	return records, nil
}

// Sync flushes the mmap region to durable storage.
func (rf *ringFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return unix.Msync(rf.data, unix.MS_SYNC)
}

// Close unmaps and closes the backing file.
func (rf *ringFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.data != nil {
		_ = unix.Msync(rf.data, unix.MS_SYNC)
		_ = unix.Munmap(rf.data)
		rf.data = nil
	}
	return rf.file.Close()
}
