package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tinyrange/kintr/internal/debug"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	list := fs.Bool("list", false, "list all sources in the log")
	timeRange := fs.Bool("range", false, "print the earliest and latest timestamps")
	breaks := fs.Bool("breaks", false, "only show debugger break-ins and bugchecks")
	source := fs.String("source", "", "regex to filter sources")
	match := fs.String("match", "", "regex to filter messages")
	limit := fs.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := fs.Bool("tail", false, "show last N entries instead of first N")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect kernel debug logs written by intsim -debug-file

USAGE:
  debug [flags] <filename>

FLAGS:
  -list          List all unique source names in the log, one per line
  -range         Show earliest/latest timestamps and total duration
  -breaks        Only show break-in and bugcheck records
  -source REGEX  Only show entries where source matches regex (Go regexp syntax)
  -match REGEX   Only show entries where message matches regex (Go regexp syntax)
  -limit N       Max entries to print (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each entry is printed as: SEQUENCE TIMESTAMP [SOURCE] KIND MESSAGE

EXAMPLES:
  debug kd.bin                              Show the first 100 entries
  debug -tail -limit 20 kd.bin              Show the last 20 entries
  debug -breaks kd.bin                      Show every break-in
  debug -match 'ISR time limit' kd.bin      Show ISR time limit reports
`)
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	entries, err := debug.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	if *list {
		seen := make(map[string]bool)
		var sources []string
		for _, e := range entries {
			if !seen[e.Source] {
				seen[e.Source] = true
				sources = append(sources, e.Source)
			}
		}
		sort.Strings(sources)
		for _, src := range sources {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		if len(entries) == 0 {
			return fmt.Errorf("log is empty")
		}
		earliest, latest := entries[0].Time, entries[0].Time
		for _, e := range entries[1:] {
			if e.Time.Before(earliest) {
				earliest = e.Time
			}
			if e.Time.After(latest) {
				latest = e.Time
			}
		}
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	filtered := entries[:0]
	for _, e := range entries {
		if *breaks && e.Kind != debug.KindBreak && e.Kind != debug.KindBugCheck {
			continue
		}
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			continue
		}
		if matchRe != nil && !matchRe.MatchString(e.Message) {
			continue
		}
		filtered = append(filtered, e)
	}

	// Records are appended concurrently, so file order is only roughly
	// sequence order.
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Sequence < filtered[j].Sequence })

	if *limit > 0 && len(filtered) > *limit {
		if *tail {
			filtered = filtered[len(filtered)-*limit:]
		} else {
			filtered = filtered[:*limit]
		}
	}

	for _, e := range filtered {
		fmt.Printf("%d %s [%s] %s %s\n",
			e.Sequence, e.Time.Format(time.RFC3339Nano), e.Source, e.Kind, strings.TrimRight(e.Message, "\n"))
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
