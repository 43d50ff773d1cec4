// Package blockfile implements the append-only flat files blocks are stored in.
//
// Every record is laid out as
//
//	[4 bytes network magic][4 bytes little-endian payload length][payload]
//
// and a Pos points at the first payload byte, so readers that only hold a
// position can rewind four bytes to recover the exact record size.
package blockfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

const (
	// RecordHeaderSize is the magic plus length prefix in front of a payload.
	RecordHeaderSize = 8
	// DefaultMaxFileSize mirrors the 128 MiB cap of the reference daemon.
	DefaultMaxFileSize int64 = 128 << 20

	filePattern = "blk%05d.dat"
)

var (
	ErrEmptyPayload = errors.New("blockfile: empty payload")
	ErrBadMagic     = errors.New("blockfile: record magic mismatch")
)

// Pos locates a stored payload.
type Pos struct {
	File   uint32
	Offset uint32
}

func (p Pos) String() string {
	return fmt.Sprintf("%s:%d", fileName(p.File), p.Offset)
}

// Store appends payloads to numbered block files inside a directory.
type Store struct {
	dir         string
	magic       wire.BitcoinNet
	maxFileSize int64

	mu      sync.Mutex
	current uint32
}

// Open prepares dir for use, resuming after the highest-numbered existing file.
func Open(dir string, magic wire.BitcoinNet, maxFileSize int64) (*Store, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create block directory: %w", err)
	}
	s := &Store{dir: dir, magic: magic, maxFileSize: maxFileSize}
	for {
		info, err := os.Stat(s.Path(s.current + 1))
		if err != nil {
			break
		}
		if info.IsDir() {
			return nil, fmt.Errorf("block file %s is a directory", s.Path(s.current+1))
		}
		s.current++
	}
	return s, nil
}

// Path returns the path of block file number n.
func (s *Store) Path(n uint32) string {
	return filepath.Join(s.dir, fileName(n))
}

func fileName(n uint32) string {
	return fmt.Sprintf(filePattern, n)
}

// Append writes payload as a new record and returns where the payload begins.
func (s *Store) Append(payload []byte) (Pos, error) {
	if len(payload) == 0 {
		return Pos{}, ErrEmptyPayload
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Offsets come from the file size so a torn earlier write cannot skew them.
	size, err := s.fileSize(s.current)
	if err != nil {
		return Pos{}, err
	}
	need := int64(RecordHeaderSize + len(payload))
	if size > 0 && size+need > s.maxFileSize {
		s.current++
		size = 0
	}
	f, err := os.OpenFile(s.Path(s.current), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return Pos{}, fmt.Errorf("open block file: %w", err)
	}
	defer f.Close()

	record := make([]byte, RecordHeaderSize, need)
	binary.LittleEndian.PutUint32(record[0:4], uint32(s.magic))
	binary.LittleEndian.PutUint32(record[4:8], uint32(len(payload)))
	record = append(record, payload...)
	if _, err := f.Write(record); err != nil {
		_ = f.Truncate(size)
		return Pos{}, fmt.Errorf("write block record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Pos{}, fmt.Errorf("sync block file: %w", err)
	}
	return Pos{File: s.current, Offset: uint32(size + RecordHeaderSize)}, nil
}

func (s *Store) fileSize(n uint32) (int64, error) {
	info, err := os.Stat(s.Path(n))
	switch {
	case err == nil:
		return info.Size(), nil
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	default:
		return 0, fmt.Errorf("stat block file: %w", err)
	}
}

// OpenAt opens the file holding pos and seeks to the payload start. The
// caller owns the returned file.
func (s *Store) OpenAt(pos Pos, readOnly bool) (*os.File, error) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(s.Path(pos.File), flag, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(pos.Offset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ReadRecord reads the complete payload stored at pos, validating the magic.
func (s *Store) ReadRecord(pos Pos) ([]byte, error) {
	if pos.Offset < RecordHeaderSize {
		return nil, fmt.Errorf("blockfile: position %s has no record header", pos)
	}
	f, err := s.OpenAt(Pos{File: pos.File, Offset: pos.Offset - RecordHeaderSize}, true)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header [RecordHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("read record header: %w", err)
	}
	if wire.BitcoinNet(binary.LittleEndian.Uint32(header[0:4])) != s.magic {
		return nil, ErrBadMagic
	}
	payload := make([]byte, binary.LittleEndian.Uint32(header[4:8]))
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("read record payload: %w", err)
	}
	return payload, nil
}
