package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/tinyrange/kintr/internal/timeslice"
)

type vectorKey struct {
	Kind   string
	Vector uint32
}

type vectorRecord struct {
	vectorKey
	Count     int
	Claimed   int
	OverLimit int
	Sum       uint64
	Min       uint64
	Max       uint64
}

func (r *vectorRecord) String() string {
	return fmt.Sprintf("% 8s vector=%#04x count=% 8d claimed=% 8d over=% 6d sum=% 14d min=% 10d max=% 10d avg=% 10d",
		r.Kind, r.Vector, r.Count, r.Claimed, r.OverLimit,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/uint64(r.Count),
	)
}

func (r *vectorRecord) Add(rec timeslice.Record) {
	r.Count++
	r.Sum += rec.Cycles
	if r.Count == 1 || rec.Cycles < r.Min {
		r.Min = rec.Cycles
	}
	if rec.Cycles > r.Max {
		r.Max = rec.Cycles
	}
	if rec.Flags&timeslice.FlagClaimed != 0 {
		r.Claimed++
	}
	if rec.Flags&timeslice.FlagOverLimit != 0 {
		r.OverLimit++
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "ISR trace file to read")
	sums := fs.Bool("sums", false, "Print per-vector totals instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if !*sums {
		if err := timeslice.ReadAllRecords(f, func(kind string, rec timeslice.Record) error {
			fmt.Printf("%s vector=%#04x processor=%d flags=%s cycles=%d\n",
				kind, rec.Vector, rec.Processor, rec.Flags, rec.Cycles)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
		return
	}

	records := map[vectorKey]*vectorRecord{}
	if err := timeslice.ReadAllRecords(f, func(kind string, rec timeslice.Record) error {
		key := vectorKey{Kind: kind, Vector: rec.Vector}
		record, ok := records[key]
		if !ok {
			record = &vectorRecord{vectorKey: key}
			records[key] = record
		}
		record.Add(rec)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
		os.Exit(1)
	}

	keys := make([]vectorKey, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Vector != keys[j].Vector {
			return keys[i].Vector < keys[j].Vector
		}
		return keys[i].Kind < keys[j].Kind
	})
	for _, key := range keys {
		fmt.Printf("%s\n", records[key].String())
	}
}
