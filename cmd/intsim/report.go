package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	dto "github.com/prometheus/client_model/go"

	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/interrupt"
)

const (
	sgrReset  = "\x1b[0m"
	sgrGreen  = "\x1b[32m"
	sgrYellow = "\x1b[33m"
	sgrRed    = "\x1b[31m"
	sgrFaint  = "\x1b[2m"
)

func colorFor(t interrupt.ConnectType) string {
	switch t {
	case interrupt.Single:
		return sgrGreen
	case interrupt.Chained:
		return sgrYellow
	case interrupt.Unknown:
		return sgrRed
	}
	return sgrFaint
}

// table writes rows padded to their widest cell. Cells may carry SGR
// sequences; they are measured by display width and stripped when color is
// off.
type table struct {
	color bool
	rows  [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) {
	var widths []int
	for _, row := range t.rows {
		for i, cell := range row {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range t.rows {
		var b strings.Builder
		for i, cell := range row {
			if !t.color {
				cell = ansi.Strip(cell)
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		fmt.Fprintln(w, b.String())
	}
}

// writeBindings prints how each configured vector is bound and which
// devices sit on it.
func (m *machine) writeBindings(w io.Writer, color bool) {
	names := make(map[*interrupt.Object]string, len(m.devices))
	for _, d := range m.devices {
		names[d.obj] = d.cfg.Name
	}

	t := &table{color: color}
	t.add("VECTOR", "BINDING", "STYLE", "HEAD", "CONNECTED")
	for _, v := range m.vectors() {
		if v >= hal.NumVectors {
			continue
		}
		b := m.kernel.Resolve(v)
		head := "-"
		if b.Interrupt != nil {
			head = names[b.Interrupt]
		}
		var members []string
		for _, d := range m.devices {
			if d.cfg.Vector == v && d.connected {
				members = append(members, d.cfg.Name)
			}
		}
		t.add(
			fmt.Sprintf("%#04x", v),
			colorFor(b.Type)+b.Type.String()+sgrReset,
			b.Style.String(),
			head,
			strings.Join(members, ","),
		)
	}
	t.write(w)
}

// writeDevices prints each device's event and routine counters.
func (m *machine) writeDevices(w io.Writer, color bool) {
	t := &table{color: color}
	t.add("DEVICE", "VECTOR", "STATE", "RAISED", "CALLS", "CLAIMED", "DISPATCHES")
	for _, d := range m.devices {
		state := sgrGreen + "connected" + sgrReset
		if !d.connected {
			state = sgrRed + "rejected" + sgrReset
		}
		t.add(
			d.cfg.Name,
			fmt.Sprintf("%#04x", d.cfg.Vector),
			state,
			fmt.Sprint(d.raised.Load()),
			fmt.Sprint(d.calls.Load()),
			fmt.Sprint(d.claimed.Load()),
			fmt.Sprint(d.obj.DispatchCount()),
		)
	}
	t.write(w)
}

// writeProcessors prints per-processor interrupt and ISR time totals.
func (m *machine) writeProcessors(w io.Writer) {
	t := &table{}
	t.add("PROCESSOR", "INTERRUPTS", "ISR CYCLES")
	for i := 0; i < m.procs.Count(); i++ {
		prcb := m.procs.Prcb(i)
		t.add(fmt.Sprint(i), fmt.Sprint(prcb.Interrupts()), fmt.Sprint(prcb.IsrTime()))
	}
	t.write(w)
	fmt.Fprintf(w, "storms=%d debugger_breaks=%d isr_limit=%d\n",
		m.hal.Storms(), m.dbg.Breaks(), m.kernel.IsrTimeLimit())
}

// writeMetrics prints every non-zero sample the kernel's metrics gathered.
func (m *machine) writeMetrics(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			value, ok := sampleValue(mf.GetType(), metric)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s%s %s\n", mf.GetName(), labelString(metric.GetLabel()), value)
		}
	}
	return nil
}

func sampleValue(typ dto.MetricType, metric *dto.Metric) (string, bool) {
	switch typ {
	case dto.MetricType_COUNTER:
		v := metric.GetCounter().GetValue()
		return fmt.Sprint(v), v != 0
	case dto.MetricType_GAUGE:
		return fmt.Sprint(metric.GetGauge().GetValue()), true
	case dto.MetricType_HISTOGRAM:
		h := metric.GetHistogram()
		if h.GetSampleCount() == 0 {
			return "", false
		}
		return fmt.Sprintf("count=%d sum=%g", h.GetSampleCount(), h.GetSampleSum()), true
	}
	return "", false
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
