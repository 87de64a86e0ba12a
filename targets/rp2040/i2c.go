//go:build rp2040

package main

import (
	"machine"

	"hybridpwm/core"
	"hybridpwm/expander"
)

const (
	i2cFrequency     = 400000
	expanderFreqHz   = 1000
	expanderAddrLast = expander.DefaultAddress + 3
)

// initExpanders configures I2C0 on its default pins (SDA=GP4, SCL=GP5) and
// scans for PCA9685 chips at 0x40-0x43. Each chip found gets 16 virtual
// pins starting at core.ExpanderPinBase. gpio4 and gpio5 are then taken by
// the bus and must not be configured as outputs.
func initExpanders() expander.Devices {
	bus := machine.I2C0
	if err := bus.Configure(machine.I2CConfig{Frequency: i2cFrequency}); err != nil {
		return nil
	}

	var devs expander.Devices
	first := core.ExpanderPinBase
	for addr := uint16(expander.DefaultAddress); addr <= expanderAddrLast; addr++ {
		d := expander.New(bus, addr, first, expanderName(addr))
		if err := d.Configure(expanderFreqHz); err != nil {
			// no chip, or not a PCA9685
			continue
		}
		devs = append(devs, d)
		first += expander.Channels
	}
	return devs
}

// expanderPins lists the virtual pins of devs.
func expanderPins(devs expander.Devices) []core.Pin {
	var pins []core.Pin
	for _, d := range devs {
		for ch := uint8(0); ch < expander.Channels; ch++ {
			pins = append(pins, d.Pin(ch))
		}
	}
	return pins
}

func expanderName(addr uint16) string {
	const hex = "0123456789abcdef"
	return "pca9685@" + string([]byte{hex[addr>>4&0xF], hex[addr&0xF]})
}
