package spill

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrBufferFlushing is returned when attempting to write to a buffer that is being flushed
var ErrBufferFlushing = errors.New("spill buffer is being flushed, cannot reopen")

// nullKeyMarker is the key-length sentinel for records without a key.
const nullKeyMarker = ^uint32(0)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// Record is one keyed event awaiting encode. NullKey records belong to the
// null-key bucket and carry no key bytes.
type Record struct {
	Key     []byte
	NullKey bool
	Value   []byte
}

// Buffer spills keyed records to disk as they arrive, keeping no data in RAM.
// Format per record: [4 bytes keyLen][key][4 bytes valLen][value], with
// keyLen == 0xFFFFFFFF marking a null-key record.
type Buffer struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	path        string
	recordCount int
	byteCount   int64
	createdAt   time.Time
	maxAge      time.Duration // Per-buffer timeout (may include splay)
	isOpen      bool
	isFlushing  bool // Once set, the buffer cannot be reopened
}

// NewBuffer creates a spill buffer under dir with the given max age.
func NewBuffer(dir string, maxAge time.Duration) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	path := filepath.Join(dir, newULID()+".spill")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create spill file: %w", err)
	}

	return &Buffer{
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		path:      path,
		createdAt: time.Now(),
		maxAge:    maxAge,
		isOpen:    true,
	}, nil
}

func (b *Buffer) openFile() error {
	if b.isOpen && b.file != nil {
		return nil
	}

	// Once a buffer is marked for flushing it stays closed, so the flush
	// can read the file without racing a concurrent writer.
	if b.isFlushing {
		return ErrBufferFlushing
	}

	file, err := os.OpenFile(b.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen spill file: %w", err)
	}

	b.file = file
	b.writer = bufio.NewWriterSize(file, 64*1024)
	b.isOpen = true
	return nil
}

func (b *Buffer) closeFile() error {
	if !b.isOpen || b.file == nil {
		return nil
	}

	if err := b.writer.Flush(); err != nil {
		b.file.Close()
		b.isOpen = false
		b.file = nil
		b.writer = nil
		return err
	}

	err := b.file.Close()
	b.isOpen = false
	b.file = nil
	b.writer = nil
	return err
}

// Write appends a record to the spill buffer
func (b *Buffer) Write(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.openFile(); err != nil {
		return err
	}

	var lenBuf [4]byte
	keyLen := uint32(len(rec.Key))
	if rec.NullKey {
		keyLen = nullKeyMarker
	}
	binary.BigEndian.PutUint32(lenBuf[:], keyLen)
	if _, err := b.writer.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write key length: %w", err)
	}
	if !rec.NullKey {
		if _, err := b.writer.Write(rec.Key); err != nil {
			return fmt.Errorf("failed to write key: %w", err)
		}
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec.Value)))
	if _, err := b.writer.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write value length: %w", err)
	}
	if _, err := b.writer.Write(rec.Value); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}

	b.recordCount++
	b.byteCount += int64(8 + len(rec.Key) + len(rec.Value))

	return nil
}

// RecordCount returns the number of records in the buffer
func (b *Buffer) RecordCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordCount
}

// ByteCount returns the total bytes written
func (b *Buffer) ByteCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byteCount
}

// Age returns how long since the buffer was created
func (b *Buffer) Age() time.Duration {
	return time.Since(b.createdAt)
}

// MaxAge returns the buffer's max age (timeout)
func (b *Buffer) MaxAge() time.Duration {
	return b.maxAge
}

// Path returns the spill file path
func (b *Buffer) Path() string {
	return b.path
}

// Close closes the buffer file completely
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeFile()
}

// CloseForFlush marks the buffer as flushing and closes it.
// After this call the buffer cannot be reopened by concurrent writes.
func (b *Buffer) CloseForFlush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isFlushing = true
	return b.closeFile()
}

// IsFlushing returns whether the buffer is being flushed
func (b *Buffer) IsFlushing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFlushing
}

// CloseHandle closes just the file handle (for LRU eviction)
func (b *Buffer) CloseHandle() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeFile()
}

// Delete removes the spill file from disk
func (b *Buffer) Delete() error {
	return os.Remove(b.path)
}

// Reader reads records back from a spill file
type Reader struct {
	file   *os.File
	reader *bufio.Reader
}

// NewReader opens a spill file for reading
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}

	return &Reader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
	}, nil
}

// Read reads the next record. Returns io.EOF when no more records.
func (r *Reader) Read() (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		return Record{}, err
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[:])

	var rec Record
	if keyLen == nullKeyMarker {
		rec.NullKey = true
	} else {
		rec.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(r.reader, rec.Key); err != nil {
			return Record{}, fmt.Errorf("failed to read key: %w", err)
		}
	}

	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		return Record{}, fmt.Errorf("failed to read value length: %w", err)
	}
	valLen := binary.BigEndian.Uint32(lenBuf[:])
	rec.Value = make([]byte, valLen)
	if _, err := io.ReadFull(r.reader, rec.Value); err != nil {
		return Record{}, fmt.Errorf("failed to read value: %w", err)
	}

	return rec, nil
}

// ReadAll reads all records from the spill file
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}
