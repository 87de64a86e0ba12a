package sim

import (
	"errors"
	"sync"
)

// ErrNack is returned for transactions to an address nobody answers.
var ErrNack = errors.New("i2c: no acknowledge")

// I2CDevice is a target on an I2CBus.
type I2CDevice interface {
	Tx(w, r []byte) error
}

// I2CBus routes transactions by address. It implements drivers.I2C.
type I2CBus struct {
	mu      sync.Mutex
	devices map[uint16]I2CDevice

	// Transactions counts every Tx, answered or not.
	Transactions int
}

func NewI2CBus() *I2CBus {
	return &I2CBus{devices: make(map[uint16]I2CDevice)}
}

// Attach places dev at addr, replacing whatever was there.
func (b *I2CBus) Attach(addr uint16, dev I2CDevice) {
	b.mu.Lock()
	b.devices[addr] = dev
	b.mu.Unlock()
}

func (b *I2CBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	b.Transactions++
	dev, ok := b.devices[addr]
	b.mu.Unlock()
	if !ok {
		return ErrNack
	}
	return dev.Tx(w, r)
}

// PCA9685 models the register file of a PCA9685: auto-increment writes,
// PRESCALE writable only in sleep, LED outputs decoded to duties.
type PCA9685 struct {
	mu   sync.Mutex
	regs [256]byte
}

const (
	pcaMode1    = 0x00
	pcaLED0     = 0x06
	pcaAllLED   = 0xFA
	pcaPrescale = 0xFE
	pcaSleep    = 0x10
	pcaAI       = 0x20
	pcaFull     = 0x10
)

// NewPCA9685 returns a chip in its power-on state: asleep, prescale 30.
func NewPCA9685() *PCA9685 {
	c := &PCA9685{}
	c.regs[pcaMode1] = pcaSleep
	c.regs[pcaPrescale] = 30
	for ch := 0; ch < 16; ch++ {
		c.regs[pcaLED0+4*ch+3] = pcaFull
	}
	return c
}

func (c *PCA9685) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(w) == 0 {
		return nil
	}
	reg := w[0]
	for _, v := range w[1:] {
		c.write(reg, v)
		reg = c.next(reg)
	}
	for i := range r {
		r[i] = c.regs[reg]
		reg = c.next(reg)
	}
	return nil
}

func (c *PCA9685) write(reg, v byte) {
	if reg == pcaPrescale && c.regs[pcaMode1]&pcaSleep == 0 {
		return
	}
	c.regs[reg] = v
	if reg >= pcaAllLED && reg < pcaAllLED+4 {
		for ch := 0; ch < 16; ch++ {
			c.regs[pcaLED0+4*ch+int(reg-pcaAllLED)] = v
		}
	}
}

// next follows the auto-increment rule; without AI the register pointer
// stays put.
func (c *PCA9685) next(reg byte) byte {
	if c.regs[pcaMode1]&pcaAI == 0 {
		return reg
	}
	return reg + 1
}

// Register returns one register.
func (c *PCA9685) Register(reg byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

// Sleeping reports whether the oscillator is off.
func (c *PCA9685) Sleeping() bool {
	return c.Register(pcaMode1)&pcaSleep != 0
}

// Frequency returns the output frequency for the current prescale.
func (c *PCA9685) Frequency() uint32 {
	return 25000000 / (4096 * (uint32(c.Register(pcaPrescale)) + 1))
}

// Duty returns the fraction of the period channel ch is high.
func (c *PCA9685) Duty(ch int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs[pcaMode1]&pcaSleep != 0 {
		return 0
	}
	r := c.regs[pcaLED0+4*ch : pcaLED0+4*ch+4]
	switch {
	case r[3]&pcaFull != 0:
		return 0
	case r[1]&pcaFull != 0:
		return 1
	}
	on := uint32(r[0]) | uint32(r[1]&0x0F)<<8
	off := uint32(r[2]) | uint32(r[3]&0x0F)<<8
	return float64((off-on)&0xFFF) / 4096
}
