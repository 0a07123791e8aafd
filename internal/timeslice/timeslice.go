// Package timeslice records how long each interrupt service routine ran, as
// a compact binary trace that can be summarized after a run.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	Magic   uint32 = 0x54525349 // "ISRT"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// KindID names the dispatch shape a record came from.
type KindID uint32

const InvalidKind = KindID(0)

var (
	KindSingle  = RegisterKind("single")
	KindChained = RegisterKind("chained")
)

var kinds = make(map[KindID]string)

// RegisterKind adds a record kind. It is meant for package initialization
// and is not safe for concurrent use.
func RegisterKind(name string) KindID {
	id := KindID(len(kinds) + 1)
	kinds[id] = name
	return id
}

// Flags describe the outcome of one service routine call.
type Flags uint32

const (
	FlagClaimed Flags = 1 << iota
	FlagOverLimit
	FlagNested
)

func (f Flags) String() string {
	flags := []string{}
	if f&FlagClaimed != 0 {
		flags = append(flags, "claimed")
	}
	if f&FlagOverLimit != 0 {
		flags = append(flags, "over-limit")
	}
	if f&FlagNested != 0 {
		flags = append(flags, "nested")
	}
	return strings.Join(flags, ",")
}

// Record is one timed service routine call.
type Record struct {
	Kind      KindID
	Vector    uint32
	Processor uint32
	Flags     Flags

	// Cycles excludes time spent in interrupts that nested inside the call.
	Cycles uint64
}

var recordSize = binary.Size(Record{})

// Writer streams records to an io.Writer from a background goroutine.
// Record never blocks; when the queue is full the record is dropped.
type Writer struct {
	w         io.Writer
	records   chan Record
	complete  chan error
	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

// Open writes the trace header to w and starts the writer goroutine.
func Open(w io.Writer) (*Writer, error) {
	names, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// pad to 4096 so records are aligned
	off := binary.Size(header{}) + len(names)
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:        w,
		records:  make(chan Record, 4096),
		complete: make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (w *Writer) run() {
	var buf [4096]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.complete <- err
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:], rec.Vector)
		binary.LittleEndian.PutUint32(buf[off+8:], rec.Processor)
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(rec.Flags))
		binary.LittleEndian.PutUint64(buf[off+16:], rec.Cycles)
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.complete <- err
			return
		}
	}
	w.complete <- nil
}

// Record queues rec for writing.
func (w *Writer) Record(rec Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.records <- rec:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns how many records were lost to a full queue.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close flushes queued records and stops the writer goroutine. It does not
// close the underlying io.Writer.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.records)
		w.mu.Unlock()

		if err := <-w.complete; err != nil {
			w.closeErr = fmt.Errorf("timeslice: write thread: %w", err)
		}
	})
	return w.closeErr
}

// ReadAllRecords decodes a trace and calls fn with each record and the name
// of its kind.
func ReadAllRecords(r io.Reader, fn func(kind string, rec Record) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var names map[KindID]string
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&names); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := int(hdr.KindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	raw := make([]byte, recordSize)
	for {
		if _, err := io.ReadFull(buf, raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		rec := Record{
			Kind:      KindID(binary.LittleEndian.Uint32(raw[0:])),
			Vector:    binary.LittleEndian.Uint32(raw[4:]),
			Processor: binary.LittleEndian.Uint32(raw[8:]),
			Flags:     Flags(binary.LittleEndian.Uint32(raw[12:])),
			Cycles:    binary.LittleEndian.Uint64(raw[16:]),
		}
		name, ok := names[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.Kind)
		}
		if err := fn(name, rec); err != nil {
			return err
		}
	}
}
