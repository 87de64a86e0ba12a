// Package config loads the JSON board description used by the simulator,
// the host tool and the Linux adapters: scheduler timing, which pins have
// hardware PWM timers, PWM expanders on I2C, and the outputs to configure.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"hybridpwm/core"
)

// Config describes one board.
type Config struct {
	MCU string `json:"mcu"`

	// ClockHz feeds the scheduler timer and the PWM timers that do not set their own.
	ClockHz uint32 `json:"clock_hz"`

	Scheduler             SchedulerConfig `json:"scheduler"`
	CompareResolutionBits uint8           `json:"compare_resolution_bits"`

	Timers    []TimerConfig           `json:"timers"`
	Expanders []ExpanderConfig        `json:"expanders"`
	Outputs   map[string]OutputConfig `json:"outputs"`
}

// SchedulerConfig holds the software PWM timing.
type SchedulerConfig struct {
	Disabled                bool   `json:"disabled"`
	TickRate                uint32 `json:"tick_rate"`
	MinimumInterruptDeltaUS uint32 `json:"minimum_interrupt_delta_us"`
	MaxTimerTicks           uint32 `json:"max_timer_ticks"`
}

// TimerConfig is a compare-output timer and the pins wired to its channels.
type TimerConfig struct {
	Name     string          `json:"name"`
	ClockHz  uint32          `json:"clock_hz"`
	Channels []ChannelConfig `json:"channels"`
}

// ChannelConfig routes a pin to a timer channel.
type ChannelConfig struct {
	Pin     string `json:"pin"`
	Channel uint8  `json:"channel"`
}

// ExpanderConfig is a PCA9685 on the I2C bus. Its 16 outputs become pins
// exp<FirstChannel>..exp<FirstChannel+15>.
type ExpanderConfig struct {
	Name         string `json:"name"`
	Address      uint16 `json:"address"`
	FirstChannel uint32 `json:"first_channel"`
	Frequency    uint32 `json:"frequency"`
}

// OutputConfig is a PWM output set up at start.
type OutputConfig struct {
	Pin       string  `json:"pin"`
	Initial   float32 `json:"initial"`
	Duty      float32 `json:"duty"`
	Frequency uint32  `json:"frequency"`
}

const (
	DefaultMCU          = "sim"
	DefaultClockHz      = 84000000
	DefaultExpanderFreq = 1000
	DefaultExpanderAddr = 0x40
	ExpanderChannels    = 16
)

// Load parses a JSON configuration and applies defaults.
func Load(jsonData []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.MCU == "" {
		cfg.MCU = DefaultMCU
	}
	if cfg.ClockHz == 0 {
		cfg.ClockHz = DefaultClockHz
	}
	if cfg.CompareResolutionBits == 0 {
		cfg.CompareResolutionBits = core.DefaultCompareResolutionBits
	}

	s := &cfg.Scheduler
	if s.TickRate == 0 {
		s.TickRate = core.DefaultTickRate
	}
	if s.MinimumInterruptDeltaUS == 0 {
		s.MinimumInterruptDeltaUS = core.DefaultMinimumInterruptDeltaUS
	}
	if s.MaxTimerTicks == 0 {
		s.MaxTimerTicks = core.DefaultMaxTimerTicks
	}

	for i := range cfg.Timers {
		if cfg.Timers[i].ClockHz == 0 {
			cfg.Timers[i].ClockHz = cfg.ClockHz
		}
	}
	for i := range cfg.Expanders {
		e := &cfg.Expanders[i]
		if e.Address == 0 {
			e.Address = DefaultExpanderAddr
		}
		if e.Frequency == 0 {
			e.Frequency = DefaultExpanderFreq
		}
		if e.Name == "" {
			e.Name = "pca9685@" + strconv.FormatUint(uint64(e.Address), 16)
		}
	}
}

// Validate checks the configuration for conflicts.
func (c *Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.TickRate == 0 {
		errs = append(errs, errors.New("scheduler: tick_rate must be non-zero"))
	} else if s.TickRate > c.ClockHz {
		errs = append(errs, fmt.Errorf("scheduler: tick_rate %d above clock %d", s.TickRate, c.ClockHz))
	}
	if c.CompareResolutionBits > 16 {
		errs = append(errs, fmt.Errorf("compare_resolution_bits %d above 16", c.CompareResolutionBits))
	}

	// several pins may share one timer channel, the allocator refuses the
	// second user at run time
	routed := make(map[core.Pin]string)
	names := make(map[string]bool)
	for _, t := range c.Timers {
		if t.Name == "" {
			errs = append(errs, errors.New("timer without a name"))
		} else if names[t.Name] {
			errs = append(errs, fmt.Errorf("timer %s: defined twice", t.Name))
		}
		names[t.Name] = true
		for _, ch := range t.Channels {
			pin, err := ParsePin(ch.Pin)
			if err != nil {
				errs = append(errs, fmt.Errorf("timer %s: %w", t.Name, err))
				continue
			}
			if other, dup := routed[pin]; dup {
				errs = append(errs, fmt.Errorf("timer %s: pin %s already routed to %s", t.Name, ch.Pin, other))
			}
			routed[pin] = t.Name
			if ch.Channel > 15 {
				errs = append(errs, fmt.Errorf("timer %s: channel %d out of range", t.Name, ch.Channel))
			}
		}
	}

	expPins := make(map[core.Pin]string)
	for _, e := range c.Expanders {
		if e.Address > 0x7F {
			errs = append(errs, fmt.Errorf("expander %s: address 0x%x is not a 7-bit address", e.Name, e.Address))
		}
		if names[e.Name] {
			errs = append(errs, fmt.Errorf("expander %s: name already used", e.Name))
		}
		names[e.Name] = true
		for i := uint32(0); i < ExpanderChannels; i++ {
			pin := core.ExpanderPinBase + core.Pin(e.FirstChannel+i)
			if other, dup := expPins[pin]; dup {
				errs = append(errs, fmt.Errorf("expander %s: %v overlaps %s", e.Name, pin, other))
				break
			}
			expPins[pin] = e.Name
		}
	}

	outPins := make(map[core.Pin]string)
	for name, o := range c.Outputs {
		pin, err := ParsePin(o.Pin)
		if err != nil {
			errs = append(errs, fmt.Errorf("output %s: %w", name, err))
			continue
		}
		if other, dup := outPins[pin]; dup {
			errs = append(errs, fmt.Errorf("output %s: pin %s already used by %s", name, o.Pin, other))
		}
		outPins[pin] = name
		if pin >= core.ExpanderPinBase && expPins[pin] == "" {
			errs = append(errs, fmt.Errorf("output %s: no expander provides %s", name, o.Pin))
		}
		if o.Duty < 0 || o.Duty > 1 {
			errs = append(errs, fmt.Errorf("output %s: duty %v outside [0,1]", name, o.Duty))
		}
		if o.Initial < 0 || o.Initial > 1 {
			errs = append(errs, fmt.Errorf("output %s: initial %v outside [0,1]", name, o.Initial))
		}
	}
	if len(outPins) > core.MaxPWMPins {
		errs = append(errs, fmt.Errorf("%d outputs, at most %d", len(outPins), core.MaxPWMPins))
	}
	return errors.Join(errs...)
}

// Options fills the scalar part of core.Options. GPIO, Lookup and Timer
// come from the platform.
func (c *Config) Options() core.Options {
	return core.Options{
		TickRate:                c.Scheduler.TickRate,
		MinimumInterruptDeltaUS: c.Scheduler.MinimumInterruptDeltaUS,
		MaxTimerTicks:           c.Scheduler.MaxTimerTicks,
		CompareResolutionBits:   c.CompareResolutionBits,
	}
}

// OutputNames returns the output names in pin order.
func (c *Config) OutputNames() []string {
	names := make([]string, 0, len(c.Outputs))
	for name := range c.Outputs {
		names = append(names, name)
	}
	pinOf := func(name string) core.Pin {
		p, err := ParsePin(c.Outputs[name].Pin)
		if err != nil {
			return core.NoPin
		}
		return p
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := pinOf(names[i]), pinOf(names[j])
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names
}

// ParsePin accepts "gpioN", "expN" or a plain number.
func ParsePin(name string) (core.Pin, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	base := core.Pin(0)
	switch {
	case strings.HasPrefix(s, "gpio"):
		s = s[len("gpio"):]
	case strings.HasPrefix(s, "exp"):
		s = s[len("exp"):]
		base = core.ExpanderPinBase
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return core.NoPin, fmt.Errorf("invalid pin %q", name)
	}
	if base == 0 && core.Pin(n) >= core.ExpanderPinBase {
		return core.NoPin, fmt.Errorf("pin %q out of range", name)
	}
	return base + core.Pin(n), nil
}

// DefaultBoardConfig returns the board the simulator uses when no file is given:
// two 4-channel timers on gpio0-gpio7, a PCA9685 and the rest software driven.
func DefaultBoardConfig() *Config {
	cfg := &Config{
		Timers: []TimerConfig{
			{Name: "TIM2", Channels: []ChannelConfig{
				{Pin: "gpio0", Channel: 1}, {Pin: "gpio1", Channel: 2},
				{Pin: "gpio2", Channel: 3}, {Pin: "gpio3", Channel: 4},
			}},
			{Name: "TIM3", Channels: []ChannelConfig{
				{Pin: "gpio4", Channel: 1}, {Pin: "gpio5", Channel: 2},
				{Pin: "gpio6", Channel: 3}, {Pin: "gpio7", Channel: 4},
			}},
		},
		Expanders: []ExpanderConfig{{Address: DefaultExpanderAddr}},
	}
	applyDefaults(cfg)
	return cfg
}
