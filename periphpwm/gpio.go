package periphpwm

import (
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"hybridpwm/core"
)

// GPIODriver is a core.GPIODriver over periph pins named "GPIO<n>".
// Pins are resolved once by ConfigureOutput; FastWrite only uses the cache.
type GPIODriver struct {
	mu     sync.RWMutex
	pins   map[core.Pin]gpio.PinOut
	byName func(name string) gpio.PinIO
}

// NewGPIODriver initializes the periph host drivers and returns a driver
// over the registered pins.
func NewGPIODriver() (*GPIODriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return newGPIODriver(gpioreg.ByName), nil
}

func newGPIODriver(byName func(string) gpio.PinIO) *GPIODriver {
	return &GPIODriver{pins: make(map[core.Pin]gpio.PinOut), byName: byName}
}

// Resolve returns the periph pin for pin.
func (d *GPIODriver) Resolve(pin core.Pin) (gpio.PinIO, error) {
	if pin >= core.ExpanderPinBase {
		return nil, &core.PinError{C: core.ErrInvalidPin, Op: "resolve", Pin: pin}
	}
	p := d.byName("GPIO" + strconv.Itoa(int(pin)))
	if p == nil {
		return nil, &core.PinError{C: core.ErrInvalidPin, Op: "resolve", Pin: pin}
	}
	return p, nil
}

func (d *GPIODriver) ConfigureOutput(pin core.Pin, high bool) error {
	d.mu.RLock()
	p, ok := d.pins[pin]
	d.mu.RUnlock()
	if !ok {
		pio, err := d.Resolve(pin)
		if err != nil {
			return err
		}
		p = pio
		d.mu.Lock()
		d.pins[pin] = p
		d.mu.Unlock()
	}
	if err := p.Out(gpio.Level(high)); err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	return nil
}

func (d *GPIODriver) FastWrite(pin core.Pin, high bool) {
	d.mu.RLock()
	p := d.pins[pin]
	d.mu.RUnlock()
	if p != nil {
		_ = p.Out(gpio.Level(high))
	}
}
