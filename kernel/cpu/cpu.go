// Package cpu describes the processor primitives that the boot stub exposes
// to the kernel core and provides a software implementation of them.
package cpu

// CPU is the set of privileged processor operations the kernel core relies
// on. On real hardware these are thin assembly stubs; the Emulated type
// implements them in software.
type CPU interface {
	// EnableInterrupts enables interrupt handling.
	EnableInterrupts()

	// DisableInterrupts disables interrupt handling.
	DisableInterrupts()

	// InterruptsEnabled returns true if the interrupt flag is set.
	InterruptsEnabled() bool

	// EnablePaging loads the page directory located at the supplied
	// physical address and turns on address translation.
	EnablePaging(pdtPhysAddr uintptr)

	// PagingEnabled returns true if address translation is active.
	PagingEnabled() bool

	// FlushTLBEntry flushes a TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uintptr)

	// ReadCR2 returns the address that triggered the last page fault.
	ReadCR2() uint32

	// PortWriteByte writes a uint8 value to the requested port.
	PortWriteByte(port uint16, val uint8)

	// PortReadByte reads a uint8 value from the requested port.
	PortReadByte(port uint16) uint8

	// ID returns information about the CPU and its features. It is
	// implemented as a CPUID instruction with EAX=leaf and returns the
	// values in EAX, EBX, ECX and EDX.
	ID(leaf uint32) (uint32, uint32, uint32, uint32)
}

// Halt stops instruction execution. The calling context never resumes.
func Halt() {
	for {
		haltFn()
	}
}

// haltFn parks the caller until the next interrupt. The emulated machine
// never raises one, so Halt spins forever.
var haltFn = func() {}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel(c CPU) bool {
	_, ebx, ecx, edx := c.ID(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
