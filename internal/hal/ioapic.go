package hal

import (
	"sync"
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// IOAPIC models the redirection table of an IO-APIC: each input pin is
// routed to a vector on a destination processor with its own trigger mode
// and mask bit.
type IOAPIC struct {
	mu sync.Mutex

	entries []irqRedirection
	stats   ioapicStats
}

// delivery is an interrupt the IO-APIC decided to send. It is handed to the
// controller only after the IO-APIC lock is dropped, because the service
// routine it runs may drive lines again.
type delivery struct {
	vector uint8
	dest   uint8
	level  bool
}

// NewIOAPIC builds an IO-APIC with pins redirection entries, all masked.
func NewIOAPIC(pins int) *IOAPIC {
	if pins <= 0 {
		pins = 24
	}
	entries := make([]irqRedirection, pins)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		entries: entries,
		stats: ioapicStats{
			perPin: make([]uint64, pins),
		},
	}
}

// Pins returns the number of input pins.
func (i *IOAPIC) Pins() int {
	return len(i.entries)
}

// Program routes pin to vector on processor dest with the given trigger
// mode. The mask bit is left as it is.
func (i *IOAPIC) Program(pin int, vector uint8, dest uint8, level bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return false
	}
	r := &entry.redirection
	r.setVector(vector)
	r.setDestination(dest)
	r.setTriggerModeLevel(level)
	r.setDeliveryMode(deliveryModeFixed)
	r.setRemoteIRR(false)
	return true
}

// Unmask enables delivery from pin. A pin unmasked while its line is high
// delivers at once, as if it had seen a rising edge.
func (i *IOAPIC) Unmask(pin int) []delivery {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return nil
	}
	wasMasked := entry.redirection.masked()
	entry.redirection.setMasked(false)
	forceEdge := wasMasked && entry.lineLevel
	return entry.evaluate(&i.stats, pin, forceEdge, nil)
}

// Mask disables delivery from pin.
func (i *IOAPIC) Mask(pin int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if entry := i.entry(pin); entry != nil {
		entry.redirection.setMasked(true)
	}
}

// Masked reports whether pin is masked.
func (i *IOAPIC) Masked(pin int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	return entry == nil || entry.redirection.masked()
}

// Redirection returns the raw redirection entry of pin.
func (i *IOAPIC) Redirection(pin int) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if entry := i.entry(pin); entry != nil {
		return entry.redirection.raw()
	}
	return 0
}

// SetIRQ changes the level of an input pin and returns what must be
// delivered as a result.
func (i *IOAPIC) SetIRQ(pin int, high bool) []delivery {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return nil
	}
	if !high {
		entry.deassert()
		return nil
	}
	edge := !entry.lineLevel
	entry.lineLevel = true
	return entry.evaluate(&i.stats, pin, edge, nil)
}

// HandleEOI clears remote-IRR on every pin targeting vector and returns the
// level-triggered interrupts that are still pending.
func (i *IOAPIC) HandleEOI(vector uint8) []delivery {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []delivery
	for pin := range i.entries {
		entry := &i.entries[pin]
		if entry.redirection.vector() == vector {
			entry.redirection.setRemoteIRR(false)
			out = entry.evaluate(&i.stats, pin, false, out)
		}
	}
	return out
}

// Delivered returns the total number of interrupts sent and the per-pin
// counts.
func (i *IOAPIC) Delivered() (uint64, []uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats.interrupts, append([]uint64(nil), i.stats.perPin...)
}

func (i *IOAPIC) entry(pin int) *irqRedirection {
	if pin < 0 || pin >= len(i.entries) {
		return nil
	}
	return &i.entries[pin]
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) deassert() {
	r.lineLevel = false
	r.redirection.setRemoteIRR(false)
}

func (r *irqRedirection) evaluate(stats *ioapicStats, pin int, edge bool, out []delivery) []delivery {
	if r.redirection.masked() {
		return out
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return out
	case !isLevel && !edge:
		return out
	}

	r.redirection.setRemoteIRR(isLevel)
	stats.interrupts++
	if pin < len(stats.perPin) {
		stats.perPin[pin]++
	}

	return append(out, delivery{
		vector: r.redirection.vector(),
		dest:   r.redirection.destination(),
		level:  isLevel,
	})
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	return redirectionEntry{value: 1 << 16} // masked
}

func (r redirectionEntry) raw() uint64 {
	return r.value
}

func (r *redirectionEntry) setBit(bit uint, on bool) {
	if on {
		r.value |= 1 << bit
	} else {
		r.value &^= 1 << bit
	}
}

// destination is bits 56-63, a physical processor number.
func (r redirectionEntry) destination() uint8 {
	return uint8(r.value >> 56)
}

func (r *redirectionEntry) setDestination(dest uint8) {
	r.value = r.value&^(0xff<<56) | uint64(dest)<<56
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r *redirectionEntry) setVector(vector uint8) {
	r.value = r.value&^0xff | uint64(vector)
}

func (r redirectionEntry) deliveryMode() uint8 {
	return uint8((r.value >> 8) & 0x7)
}

func (r *redirectionEntry) setDeliveryMode(mode uint8) {
	r.value = r.value&^(0x7<<8) | uint64(mode&0x7)<<8
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r *redirectionEntry) setMasked(masked bool) {
	r.setBit(16, masked)
}

func (r redirectionEntry) remoteIRR() bool {
	return (r.value>>14)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	r.setBit(14, val)
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r *redirectionEntry) setTriggerModeLevel(level bool) {
	r.setBit(15, level)
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

type ioapicStats struct {
	interrupts uint64
	perPin     []uint64
}
