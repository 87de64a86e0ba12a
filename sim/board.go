package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"hybridpwm/config"
	"hybridpwm/core"
	"hybridpwm/expander"
	"hybridpwm/protocol"
)

// NumGPIO is the number of native pins on a simulated board.
const NumGPIO = 30

// Board is a simulated MCU built from a configuration: scheduler timer,
// GPIO, compare timers, PCA9685s on an I2C bus and the hybrid PWM
// controller on top.
type Board struct {
	Config *config.Config
	Clock  *Clock
	GPIO   *GPIO

	// Timer is nil when the scheduler is disabled.
	Timer     *Timer
	PWMTimers map[string]*PWMTimer
	Bus       *I2CBus
	Chips     map[uint16]*PCA9685
	Expanders expander.Devices

	PWM     *core.HybridPWM
	Outputs map[string]*core.HybridPin
}

// NewBoard builds the board and sets up the configured outputs.
func NewBoard(cfg *config.Config) (*Board, error) {
	if cfg == nil {
		cfg = config.DefaultBoardConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Board{
		Config:    cfg,
		Clock:     &Clock{},
		PWMTimers: make(map[string]*PWMTimer),
		Bus:       NewI2CBus(),
		Chips:     make(map[uint16]*PCA9685),
		Outputs:   make(map[string]*core.HybridPin),
	}
	b.GPIO = NewGPIO(b.Clock)
	b.GPIO.Valid = func(p core.Pin) bool { return p < NumGPIO }

	timers := make(TimerMap)
	for _, tc := range cfg.Timers {
		t := NewPWMTimer(tc.Name, tc.ClockHz)
		b.PWMTimers[tc.Name] = t
		for _, ch := range tc.Channels {
			pin, _ := config.ParsePin(ch.Pin)
			timers.Map(pin, t, ch.Channel)
		}
	}

	for _, e := range cfg.Expanders {
		chip := NewPCA9685()
		b.Chips[e.Address] = chip
		b.Bus.Attach(e.Address, chip)
	}
	exps, err := expander.FromConfig(b.Bus, cfg.Expanders)
	if err != nil {
		return nil, err
	}
	b.Expanders = exps

	opts := cfg.Options()
	opts.GPIO = &expander.Router{Native: b.GPIO, Devices: exps}
	opts.Lookup = core.TimerLookups{timers, exps}
	if !cfg.Scheduler.Disabled {
		b.Timer = NewTimer(b.Clock, cfg.ClockHz)
		opts.Timer = b.Timer
	}
	b.PWM = core.NewHybridPWM(opts)

	for _, name := range cfg.OutputNames() {
		o := cfg.Outputs[name]
		pin, _ := config.ParsePin(o.Pin)
		p, err := b.PWM.Allocate(pin, o.Initial)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		b.Outputs[name] = p
		if o.Frequency != 0 {
			// a failed backend leaves the pin static, State reports why
			_ = p.Set(o.Duty, o.Frequency)
		}
	}
	return b, nil
}

// Advance runs simulated time forward by ticks.
func (b *Board) Advance(ticks uint64) {
	if b.Timer != nil {
		b.Timer.Advance(ticks)
		return
	}
	b.Clock.set(b.Clock.Now() + ticks)
}

// Duty returns the measured duty of a pin over [from, to). Expander pins
// report the programmed duty instead.
func (b *Board) Duty(pin core.Pin, from, to uint64) float64 {
	if pin >= core.ExpanderPinBase {
		d, ch, ok := b.Expanders.Find(pin)
		if !ok {
			return 0
		}
		return b.Chips[d.Address()].Duty(int(ch))
	}
	return b.GPIO.Duty(pin, from, to)
}

// PinNames returns the pin enumeration: index is the pin number, unusable
// numbers are empty.
func (b *Board) PinNames() []string {
	n := NumGPIO
	for _, d := range b.Expanders {
		if last := int(d.Pin(expander.Channels-1)) + 1; last > n {
			n = last
		}
	}
	names := make([]string, n)
	for p := 0; p < NumGPIO; p++ {
		names[p] = core.Pin(p).String()
	}
	for _, d := range b.Expanders {
		for ch := uint8(0); ch < expander.Channels; ch++ {
			names[d.Pin(ch)] = d.Pin(ch).String()
		}
	}
	return names
}

// Register installs the board as the firmware's PWM controller and adds the
// board constants to the data dictionary. Only one board can be registered
// at a time.
func (b *Board) Register() {
	core.InitCoreCommands()
	core.InitHybridPWMCommands()
	core.RegisterConstant("MCU", b.Config.MCU)
	core.RegisterConstant("CLOCK_FREQ", b.Config.ClockHz)
	core.RegisterConstant("PWM_TICK_RATE", b.Config.Scheduler.TickRate)
	core.RegisterEnumeration("pin", b.PinNames())
	core.GetGlobalDictionary().Reset()
	core.SetHybridPWM(b.PWM)
}

// Serve runs the firmware command loop over rw until ctx is done or rw
// fails. Simulated time follows the wall clock while serving, and command
// handling and timer interrupts run on this goroutine only.
func (b *Board) Serve(ctx context.Context, rw io.ReadWriter) error {
	b.Register()

	input := protocol.NewFifoBuffer(4096)
	output := protocol.NewScratchOutput()
	transport := protocol.NewTransport(output, func(cmdID uint16, data *[]byte) error {
		return core.DispatchCommand(cmdID, data)
	})
	core.SetGlobalTransport(transport)
	defer core.SetGlobalTransport(nil)

	flush := func() error {
		result := output.Result()
		if len(result) == 0 {
			return nil
		}
		_, err := rw.Write(result)
		output.Reset()
		return err
	}

	type chunk struct {
		data []byte
		err  error
	}
	reads := make(chan chunk, 8)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := rw.Read(buf)
			if n > 0 {
				select {
				case reads <- chunk{data: append([]byte(nil), buf[:n]...)}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case reads <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	tickRate := uint64(b.Config.Scheduler.TickRate)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-reads:
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil
				}
				return c.err
			}
			data := c.data
			for len(data) > 0 {
				n := input.Write(data)
				data = data[n:]
				buffered := input.Data()
				in := protocol.NewSliceInputBuffer(buffered)
				transport.Receive(in)
				input.Pop(len(buffered) - in.Available())
				if n == 0 && in.Available() == len(buffered) {
					// a full buffer that holds no block is garbage
					input.Reset()
				}
			}
			if err := flush(); err != nil {
				return err
			}

		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			b.Advance(uint64(elapsed) * tickRate / uint64(time.Second))
		}
	}
}
