// Package debug is the kernel debugger sink: whether an interactive
// debugger is attached, diagnostic prints, and break-ins, all mirrored into
// a binary debug log that can be read back after a run.
package debug

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Options configures a Debugger.
type Options struct {
	// Attached starts the debugger attached.
	Attached bool

	// Source tags this debugger's records in the debug log.
	Source string

	// OnBreak runs on every break-in while a debugger is attached.
	OnBreak func()

	Logger *slog.Logger
}

// Debugger is the connection to an interactive kernel debugger.
type Debugger struct {
	attached atomic.Bool
	breaks   atomic.Uint64
	source   string
	onBreak  func()
	log      *slog.Logger
}

// New returns a debugger.
func New(opts Options) *Debugger {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	source := opts.Source
	if source == "" {
		source = "kd"
	}
	d := &Debugger{
		source:  source,
		onBreak: opts.OnBreak,
		log:     log,
	}
	d.attached.Store(opts.Attached)
	return d
}

// Enabled reports whether an interactive debugger is attached.
func (d *Debugger) Enabled() bool {
	return d.attached.Load()
}

// Attach marks a debugger as attached.
func (d *Debugger) Attach() {
	d.attached.Store(true)
}

// Detach marks the debugger as gone.
func (d *Debugger) Detach() {
	d.attached.Store(false)
}

// Print emits a diagnostic message.
func (d *Debugger) Print(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.log.Debug("kd print", "source", d.source, "message", msg)
	writeRecord(KindPrint, d.source, []byte(msg))
}

// Break breaks into the debugger. Without an attached debugger it only
// counts the request.
func (d *Debugger) Break() {
	d.breaks.Add(1)
	writeRecord(KindBreak, d.source, nil)
	if !d.Enabled() {
		return
	}
	d.log.Warn("kd break", "source", d.source)
	if d.onBreak != nil {
		d.onBreak()
	}
}

// Breaks returns how many break-ins were requested.
func (d *Debugger) Breaks() uint64 {
	return d.breaks.Load()
}
