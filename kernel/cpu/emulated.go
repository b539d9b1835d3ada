package cpu

// PortWrite records a single write to an I/O port.
type PortWrite struct {
	Port  uint16
	Value uint8
}

// Emulated is a software CPU. It keeps track of the interrupt and paging
// state, records all port writes and serves port reads from the last value
// written to each port.
type Emulated struct {
	interrupts bool
	paging     bool

	// PageDirectory is the physical address passed to the last call to
	// EnablePaging.
	PageDirectory uintptr

	// Flushes lists the virtual addresses passed to FlushTLBEntry.
	Flushes []uintptr

	// CR2 is returned by ReadCR2.
	CR2 uint32

	// Writes lists all port writes in the order they were issued.
	Writes []PortWrite

	// CPUID holds the values returned by ID for each leaf.
	CPUID map[uint32][4]uint32

	ports map[uint16]uint8
}

// NewEmulated returns an emulated CPU that identifies itself as an Intel
// processor.
func NewEmulated() *Emulated {
	return &Emulated{
		CPUID: map[uint32][4]uint32{
			0: {0xd, 0x756e6547, 0x6c65746e, 0x49656e69},
		},
		ports: make(map[uint16]uint8),
	}
}

// EnableInterrupts enables interrupt handling.
func (c *Emulated) EnableInterrupts() { c.interrupts = true }

// DisableInterrupts disables interrupt handling.
func (c *Emulated) DisableInterrupts() { c.interrupts = false }

// InterruptsEnabled returns true if the interrupt flag is set.
func (c *Emulated) InterruptsEnabled() bool { return c.interrupts }

// EnablePaging records the page directory address and turns on paging.
func (c *Emulated) EnablePaging(pdtPhysAddr uintptr) {
	c.PageDirectory = pdtPhysAddr
	c.paging = true
}

// PagingEnabled returns true if EnablePaging has been invoked.
func (c *Emulated) PagingEnabled() bool { return c.paging }

// FlushTLBEntry records the flushed address. The emulated MMU does not cache
// translations.
func (c *Emulated) FlushTLBEntry(virtAddr uintptr) {
	c.Flushes = append(c.Flushes, virtAddr)
}

// ReadCR2 returns the value of the CR2 field.
func (c *Emulated) ReadCR2() uint32 { return c.CR2 }

// PortWriteByte records the write and latches the value for PortReadByte.
func (c *Emulated) PortWriteByte(port uint16, val uint8) {
	if c.ports == nil {
		c.ports = make(map[uint16]uint8)
	}
	c.ports[port] = val
	c.Writes = append(c.Writes, PortWrite{Port: port, Value: val})
}

// PortReadByte returns the last value written to port.
func (c *Emulated) PortReadByte(port uint16) uint8 {
	return c.ports[port]
}

// ID returns the configured CPUID values for leaf.
func (c *Emulated) ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	v := c.CPUID[leaf]
	return v[0], v[1], v[2], v[3]
}

// PortWritesTo returns the values written to port in issue order.
func (c *Emulated) PortWritesTo(port uint16) []uint8 {
	var out []uint8
	for _, w := range c.Writes {
		if w.Port == port {
			out = append(out, w.Value)
		}
	}
	return out
}
