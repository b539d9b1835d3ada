// Package gate defines the register snapshot saved on every interrupt,
// exception or system call together with the x86 vector numbers that the
// kernel core treats specially.
package gate

import (
	"io"
	"kcore/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. For system calls the general purpose
// registers double as the parameter and return slots: EAX carries the call
// number in and the result code out, EBX/ECX/EDX carry three parameters in
// and three return values out.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x INF = %8x\n", r.EBP, r.Info)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// IRQBase is the vector that the remapped master PIC raises for IRQ 0.
	IRQBase = InterruptNumber(32)

	// IRQLimit is one past the last vector used by the slave PIC.
	IRQLimit = InterruptNumber(48)

	// SyscallGate is the software interrupt used for system calls.
	SyscallGate = InterruptNumber(48)
)

// IsIRQ returns true if the vector is raised by the interrupt controllers.
func (n InterruptNumber) IsIRQ() bool {
	return n >= IRQBase && n < IRQLimit
}

// IRQ returns the IRQ line for a hardware interrupt vector.
func (n InterruptNumber) IRQ() uint8 {
	return uint8(n - IRQBase)
}

// String returns a human-readable name for well-known vectors.
func (n InterruptNumber) String() string {
	switch n {
	case DivideByZero:
		return "divide by zero"
	case NMI:
		return "non-maskable interrupt"
	case InvalidOpcode:
		return "invalid opcode"
	case DoubleFault:
		return "double fault"
	case GPFException:
		return "general protection fault"
	case PageFaultException:
		return "page fault"
	case SyscallGate:
		return "system call"
	}

	if n.IsIRQ() {
		return "irq"
	}
	return "isr"
}
