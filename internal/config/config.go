// Package config loads the YAML description of a simulated machine: its
// processors and interrupt controller, the ISR time budget, and the devices
// whose interrupt objects get connected at boot.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidMode  = errors.New("config: invalid interrupt mode")
	ErrInvalidClaim = errors.New("config: invalid claim policy")
)

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Mode names the trigger mode of a device line.
type Mode string

const (
	ModeLevel   Mode = "level"
	ModeLatched Mode = "latched"
)

// Claim is how a simulated device's service routine answers.
type Claim string

const (
	// ClaimAlways claims while the device has events pending.
	ClaimAlways Claim = "always"
	// ClaimNever never claims; the device shares a line it does not drive.
	ClaimNever Claim = "never"
	// ClaimOnce claims the first event of each burst only.
	ClaimOnce Claim = "once"
)

// Device is one simulated device and the interrupt object connected for it.
type Device struct {
	Name            string `yaml:"name"`
	Vector          uint32 `yaml:"vector"`
	Irql            uint8  `yaml:"irql"`
	SynchronizeIrql uint8  `yaml:"synchronize_irql"` // 0 means irql
	Mode            Mode   `yaml:"mode"`             // default: latched
	Shareable       bool   `yaml:"shareable"`
	Processor       int    `yaml:"processor"`
	Claim           Claim  `yaml:"claim"`       // default: always
	BusyCycles      uint64 `yaml:"busy_cycles"` // cycles burnt per routine call
	Fires           int    `yaml:"fires"`       // 0 means the -fires flag
}

// Config describes the simulated machine.
type Config struct {
	Processors   int      `yaml:"processors"`    // default: 2
	HostAffinity bool     `yaml:"host_affinity"` // pin processors to host CPUs
	IOAPICPins   int      `yaml:"ioapic_pins"`   // default: 24
	FlatVectors  []uint32 `yaml:"flat_vectors"`

	IsrTimeLimitMicroseconds uint64 `yaml:"isr_time_limit_us"`
	// CycleCounter is a pointer to distinguish unset vs false.
	CycleCounter      *bool    `yaml:"cycle_counter"`
	DebuggerAttached  bool     `yaml:"debugger_attached"`
	CalibrationWindow Duration `yaml:"calibration_window"` // default: 10s

	Devices []Device `yaml:"devices"`
}

// HasCycleCounter reports whether the platform exposes a cycle counter.
func (c *Config) HasCycleCounter() bool {
	return c.CycleCounter == nil || *c.CycleCounter
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Processors == 0 {
		c.Processors = 2
	}
	if c.IOAPICPins == 0 {
		c.IOAPICPins = 24
	}
	if c.CalibrationWindow == 0 {
		c.CalibrationWindow = Duration(10 * time.Second)
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("dev%d", i)
		}
		if d.Mode == "" {
			d.Mode = ModeLatched
		}
		if d.Claim == "" {
			d.Claim = ClaimAlways
		}
		if d.SynchronizeIrql == 0 {
			d.SynchronizeIrql = d.Irql
		}
	}
}

// validate only rejects what cannot be represented. Device parameters the
// kernel would refuse are kept so the simulator can show the refusal.
func (c *Config) validate() error {
	if c.Processors < 0 || c.Processors > 64 {
		return fmt.Errorf("config: processors %d out of range (1-64)", c.Processors)
	}
	if c.IOAPICPins < 0 || c.IOAPICPins > 256 {
		return fmt.Errorf("config: ioapic_pins %d out of range (1-256)", c.IOAPICPins)
	}
	for _, v := range c.FlatVectors {
		if v > 0xff {
			return fmt.Errorf("config: flat vector %#x out of range", v)
		}
	}
	if c.CalibrationWindow < 0 {
		return fmt.Errorf("config: negative calibration_window")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate device %q", d.Name)
		}
		seen[d.Name] = true

		switch d.Mode {
		case ModeLevel, ModeLatched:
		default:
			return fmt.Errorf("%w: device %q: %q", ErrInvalidMode, d.Name, d.Mode)
		}
		switch d.Claim {
		case ClaimAlways, ClaimNever, ClaimOnce:
		default:
			return fmt.Errorf("%w: device %q: %q", ErrInvalidClaim, d.Name, d.Claim)
		}
		if d.Fires < 0 {
			return fmt.Errorf("config: device %q: negative fires", d.Name)
		}
	}
	return nil
}
