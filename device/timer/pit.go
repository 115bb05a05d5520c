// Package timer drives the 8253/8254 programmable interval timer that
// provides the scheduler tick.
package timer

import (
	"io"

	"immdos/device"
	"immdos/kernel"
	"immdos/kernel/cpu"
	"immdos/kernel/gate"
)

const (
	pitBaseHz = 1193182

	pitChannel0Port = uint16(0x40)
	pitCommandPort  = uint16(0x43)

	// channel 0, lobyte/hibyte access, rate generator
	pitRateGenerator = uint8(0x34)
)

// PIT programs channel 0 of the interval timer to fire IRQ 0 at a fixed
// rate and forwards each tick to the registered callback.
type PIT struct {
	hz     uint32
	onTick func(*gate.Registers)
}

// NewPIT creates a timer driver firing at the given frequency.
func NewPIT(hz uint32, onTick func(*gate.Registers)) *PIT {
	return &PIT{hz: hz, onTick: onTick}
}

// DriverName returns the name of this driver.
func (p *PIT) DriverName() string { return "pit" }

// DriverVersion returns the version of this driver.
func (p *PIT) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// DriverInit programs the divisor and claims the IRQ 0 gate. The PIC line
// is acknowledged by the gate layer before the callback runs so the tick
// handler may switch tasks without blocking further timer interrupts.
func (p *PIT) DriverInit(_ io.Writer) *kernel.Error {
	divisor := uint16(pitBaseHz / p.hz)

	cpu.PortWriteByte(pitCommandPort, pitRateGenerator)
	cpu.PortWriteByte(pitChannel0Port, uint8(divisor))
	cpu.PortWriteByte(pitChannel0Port, uint8(divisor>>8))

	gate.HandleInterrupt(gate.IRQBase, p.onTick)
	return nil
}

var _ device.Driver = (*PIT)(nil)
