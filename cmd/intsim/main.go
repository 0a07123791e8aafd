package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/tinyrange/kintr/internal/bugcheck"
	"github.com/tinyrange/kintr/internal/config"
	"github.com/tinyrange/kintr/internal/debug"
	"github.com/tinyrange/kintr/internal/timeslice"
)

// demoDevices are connected when the configuration names none: a private
// timer, two disks sharing a level line, and a latched line shared by two
// serial ports and a device that never claims.
var demoDevices = []config.Device{
	{Name: "timer", Vector: 0x30, Irql: 12, SynchronizeIrql: 12, Processor: 0, Mode: config.ModeLatched, Claim: config.ClaimAlways},
	{Name: "disk0", Vector: 0x31, Irql: 6, SynchronizeIrql: 6, Processor: 1, Mode: config.ModeLevel, Shareable: true, Claim: config.ClaimAlways, BusyCycles: 4000},
	{Name: "disk1", Vector: 0x31, Irql: 6, SynchronizeIrql: 6, Processor: 1, Mode: config.ModeLevel, Shareable: true, Claim: config.ClaimAlways, BusyCycles: 2500},
	{Name: "serial0", Vector: 0x32, Irql: 5, SynchronizeIrql: 5, Processor: 0, Mode: config.ModeLatched, Shareable: true, Claim: config.ClaimAlways},
	{Name: "serial1", Vector: 0x32, Irql: 5, SynchronizeIrql: 5, Processor: 0, Mode: config.ModeLatched, Shareable: true, Claim: config.ClaimOnce},
	{Name: "probe", Vector: 0x32, Irql: 5, SynchronizeIrql: 5, Processor: 0, Mode: config.ModeLatched, Shareable: true, Claim: config.ClaimNever},
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Machine configuration (YAML)")
	verbose := fs.Bool("v", false, "Enable debug logging")
	debugFile := fs.String("debug-file", "", "Write the kernel debug log to this file")
	tracePath := fs.String("trace", "", "Write ISR timing records to this file")
	fastCalibration := fs.Bool("fast-calibration", false, "Calibrate the ISR time limit on a virtual clock")
	fires := fs.Int("fires", 100, "Events raised per device")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = demoDevices
	}

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return err
		}
		defer debug.Close()
	}

	opts := simOptions{
		FastCalibration: *fastCalibration,
		Fires:           *fires,
		Progress:        term.IsTerminal(int(os.Stdout.Fd())),
		Out:             os.Stdout,
		Logger:          log,
	}

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()

		w, err := timeslice.Open(f)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Error("close trace", "error", err)
			}
			if n := w.Dropped(); n > 0 {
				log.Warn("trace records dropped", "count", n)
			}
		}()
		opts.Trace = w
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var runErr error
	if bc := bugcheck.Catch(func() {
		runErr = simulate(ctx, cfg, opts)
	}); bc != nil {
		return bc
	}
	return runErr
}

func simulate(ctx context.Context, cfg *config.Config, opts simOptions) error {
	m, err := boot(cfg, opts)
	if err != nil {
		return err
	}
	if err := m.calibrate(ctx); err != nil {
		return err
	}

	n := m.connect()
	opts.Logger.Info("devices connected", "connected", n, "configured", len(cfg.Devices))

	color := opts.Progress
	out := opts.Out
	m.writeBindings(out, color)
	fmt.Fprintln(out)

	if err := m.fire(ctx); err != nil {
		return err
	}

	m.writeDevices(out, color)
	fmt.Fprintln(out)
	m.writeProcessors(out)
	fmt.Fprintln(out)
	if err := m.writeMetrics(out); err != nil {
		return err
	}

	if leftover := m.disconnect(); len(leftover) > 0 {
		for _, b := range leftover {
			opts.Logger.Error("vector still bound after disconnect", "vector", b.Vector, "binding", b.Type)
		}
		return fmt.Errorf("%d vectors still bound", len(leftover))
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "intsim: %v\n", err)
		os.Exit(1)
	}
}
