package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// The debug log is a flat sequence of records appended by any processor
// without a lock. A writer reserves its span by atomically advancing the
// shared offset and then fills it with WriteAt.
//
// Record layout (little endian):
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes sequence number
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - message bytes

const headerSize = 24

// Kind identifies what produced a record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindPrint
	KindBreak
	KindBugCheck
)

func (k Kind) String() string {
	switch k {
	case KindPrint:
		return "print"
	case KindBreak:
		return "break"
	case KindBugCheck:
		return "bugcheck"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Writer is the sink a debug log is written to.
type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current  atomic.Pointer[sink]
	offset   atomic.Uint64
	sequence atomic.Uint64
)

// Open starts logging to w. Opening while a log is already open replaces it
// and reports the replacement as an error; the new log is still in effect.
func Open(w Writer) error {
	offset.Store(0)
	sequence.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return fmt.Errorf("debug: log already open, discarded old writer")
	}
	return nil
}

// OpenFile truncates filename and logs to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("debug: open log: %w", err)
	}
	return Open(f)
}

// Close stops logging and closes the current writer.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Memory is an in-memory Writer.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func writeRecord(kind Kind, source string, msg []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	// Lengths are clipped to what their header fields can hold.
	if len(source) > math.MaxUint16 {
		source = source[:math.MaxUint16]
	}
	if uint64(len(msg)) > math.MaxUint32 {
		msg = msg[:math.MaxUint32]
	}

	size := uint64(headerSize + len(source) + len(msg))
	off := offset.Add(size) - size

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(msg)))
	binary.LittleEndian.PutUint64(buf[8:16], sequence.Add(1))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], msg)

	// A lost diagnostic must never take down the caller, which may be an
	// interrupt service routine.
	_, _ = s.w.WriteAt(buf, int64(off))
}

// Write appends a print record for source.
func Write(source, msg string) {
	writeRecord(KindPrint, source, []byte(msg))
}

// Writef appends a formatted print record for source.
func Writef(source, format string, args ...any) {
	writeRecord(KindPrint, source, fmt.Appendf(nil, format, args...))
}

// BugCheck appends a bug check record for source.
func BugCheck(source, msg string) {
	writeRecord(KindBugCheck, source, []byte(msg))
}

// Entry is one decoded record.
type Entry struct {
	Kind     Kind
	Sequence uint64
	Time     time.Time
	Source   string
	Message  string
}

// Each decodes every record in r in file order.
func Each(r io.Reader, fn func(Entry) error) error {
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("debug: invalid record header")
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		msgLen := binary.LittleEndian.Uint32(header[4:8])

		body := make([]byte, int(sourceLen)+int(msgLen))
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("debug: read record body: %w", err)
		}
		if err := fn(Entry{
			Kind:     kind,
			Sequence: binary.LittleEndian.Uint64(header[8:16]),
			Time:     time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))),
			Source:   string(body[:sourceLen]),
			Message:  string(body[sourceLen:]),
		}); err != nil {
			return err
		}
	}
}

// EachSource decodes the records of one source.
func EachSource(r io.Reader, source string, fn func(Entry) error) error {
	return Each(r, func(e Entry) error {
		if e.Source != source {
			return nil
		}
		return fn(e)
	})
}

// ReadFile decodes every record in a log file.
func ReadFile(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: open log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	if err := Each(f, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return nil, err
	}
	return entries, nil
}
