package timeslice

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTimeslice(t *testing.T) {
	var buf bytes.Buffer
	w, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Record(Record{Kind: KindSingle, Vector: 0x31, Processor: 1, Flags: FlagClaimed, Cycles: 1200})
	w.Record(Record{Kind: KindChained, Vector: 0x32, Flags: FlagOverLimit, Cycles: 90000})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var kinds []string
	var recs []Record
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(kind string, rec Record) error {
		kinds = append(kinds, kind)
		recs = append(recs, rec)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if kinds[0] != "single" || kinds[1] != "chained" {
		t.Fatalf("kinds = %v", kinds)
	}
	if recs[0].Vector != 0x31 || recs[0].Processor != 1 || recs[0].Cycles != 1200 || recs[0].Flags != FlagClaimed {
		t.Fatalf("record 0 = %+v", recs[0])
	}
	if recs[1].Flags.String() != "over-limit" {
		t.Fatalf("record 1 flags = %q", recs[1].Flags)
	}
}

func TestTimesliceRecordAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Record(Record{Kind: KindSingle})
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	n := 0
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(string, Record) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d records, want 0", n)
	}
}

func TestTimesliceBadMagic(t *testing.T) {
	data := make([]byte, 4096)
	if err := ReadAllRecords(bytes.NewReader(data), func(string, Record) error { return nil }); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestTimesliceStopEarly(t *testing.T) {
	var buf bytes.Buffer
	w, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		w.Record(Record{Kind: KindSingle, Cycles: uint64(i)})
	}
	w.Close()

	stop := errors.New("stop")
	n := 0
	err = ReadAllRecords(bytes.NewReader(buf.Bytes()), func(string, Record) error {
		n++
		return stop
	})
	if err != stop || n != 1 {
		t.Fatalf("err = %v after %d records, want stop after 1", err, n)
	}
}

func BenchmarkTimesliceTempFile(b *testing.B) {
	tmpfile := filepath.Join(b.TempDir(), "isr.trace")

	f, err := os.Create(tmpfile)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer f.Close()

	w, err := Open(f)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		w.Record(Record{Kind: KindSingle, Vector: 0x31, Cycles: 100})
	}
	b.StopTimer()

	if err := w.Close(); err != nil {
		b.Fatalf("Close: %v", err)
	}
	b.ReportMetric(float64(w.Dropped()), "dropped")
}
