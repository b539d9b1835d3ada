package irq

import "kcore/kernel/cpu"

// 8259 PIC ports and commands.
const (
	masterCommandPort = uint16(0x20)
	masterDataPort    = uint16(0x21)
	slaveCommandPort  = uint16(0xa0)
	slaveDataPort     = uint16(0xa1)

	icw1Init  = uint8(0x11)
	icw4Mode  = uint8(0x01)
	eoiCmd    = uint8(0x20)
	slaveLine = uint8(2)

	// linesPerPIC is the number of IRQ lines served by each controller.
	linesPerPIC = uint8(8)
)

// PIC drives the master/slave 8259 interrupt controller pair.
type PIC struct {
	cpu cpu.CPU
}

// NewPIC returns a PIC programmed through the I/O ports of c.
func NewPIC(c cpu.CPU) *PIC {
	return &PIC{cpu: c}
}

// Remap reprograms the controllers so that IRQ 0-7 raise vectors starting
// at masterOffset and IRQ 8-15 raise vectors starting at slaveOffset. The
// interrupt masks are preserved.
func (p *PIC) Remap(masterOffset, slaveOffset uint8) {
	masterMask := p.cpu.PortReadByte(masterDataPort)
	slaveMask := p.cpu.PortReadByte(slaveDataPort)

	p.cpu.PortWriteByte(masterCommandPort, icw1Init)
	p.cpu.PortWriteByte(slaveCommandPort, icw1Init)
	p.cpu.PortWriteByte(masterDataPort, masterOffset)
	p.cpu.PortWriteByte(slaveDataPort, slaveOffset)

	// Tell the master that the slave is cascaded on IRQ 2 and tell the
	// slave its cascade identity
	p.cpu.PortWriteByte(masterDataPort, 1<<slaveLine)
	p.cpu.PortWriteByte(slaveDataPort, slaveLine)

	p.cpu.PortWriteByte(masterDataPort, icw4Mode)
	p.cpu.PortWriteByte(slaveDataPort, icw4Mode)

	p.cpu.PortWriteByte(masterDataPort, masterMask)
	p.cpu.PortWriteByte(slaveDataPort, slaveMask)
}

// Mask stops the controller from raising the given IRQ line.
func (p *PIC) Mask(irq uint8) {
	port, line := dataPort(irq)
	p.cpu.PortWriteByte(port, p.cpu.PortReadByte(port)|1<<line)
}

// Unmask allows the controller to raise the given IRQ line.
func (p *PIC) Unmask(irq uint8) {
	port, line := dataPort(irq)
	p.cpu.PortWriteByte(port, p.cpu.PortReadByte(port)&^(1<<line))
}

// EOI acknowledges the given IRQ. Lines served by the slave controller
// need to be acknowledged on both controllers.
func (p *PIC) EOI(irq uint8) {
	if irq >= linesPerPIC {
		p.cpu.PortWriteByte(slaveCommandPort, eoiCmd)
	}
	p.cpu.PortWriteByte(masterCommandPort, eoiCmd)
}

func dataPort(irq uint8) (uint16, uint8) {
	if irq < linesPerPIC {
		return masterDataPort, irq
	}
	return slaveDataPort, irq - linesPerPIC
}
