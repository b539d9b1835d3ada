package irq

import (
	"kcore/kernel/gate"
	"kcore/kernel/proc"
)

// Action is returned by interrupt and system call handlers. The low byte
// holds the action flags and the remaining 24 bits hold the value the
// wake and signal actions operate on.
type Action uint32

// ActionContinue passes the interrupt on to the next handler.
const ActionContinue Action = 0

const (
	// ActionStop prevents the remaining handlers from seeing the
	// interrupt.
	ActionStop Action = 1 << iota

	// ActionWakeThread wakes the thread of the handler process whose id
	// is stored in the action value.
	ActionWakeThread

	// ActionSignalSemaphore signals the semaphore whose id is stored in
	// the action value.
	ActionSignalSemaphore
)

const (
	actionFlagMask = Action(0xff)
	actionValueMax = uint32(0xffffff)
)

// NewAction combines the supplied flags with a 24-bit value.
func NewAction(flags Action, value uint32) Action {
	return flags&actionFlagMask | Action(value&actionValueMax)<<8
}

// Has returns true if all supplied flags are set.
func (a Action) Has(flags Action) bool {
	return a&flags == flags
}

// Value returns the 24-bit value carried by the action.
func (a Action) Value() uint32 {
	return uint32(a >> 8)
}

// Handler processes the interrupts claimed by a process.
type Handler interface {
	HandleInterrupt(number gate.InterruptNumber) Action
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(number gate.InterruptNumber) Action

// HandleInterrupt calls f(number).
func (f HandlerFunc) HandleInterrupt(number gate.InterruptNumber) Action {
	return f(number)
}

// Syscall describes a system call. The parameters are read from EBX, ECX
// and EDX of the calling thread and the return values are written back to
// the same registers when the call completes.
type Syscall struct {
	Number gate.SyscallNumber

	Param1 uint32
	Param2 uint32
	Param3 uint32

	Return1 uint32
	Return2 uint32
	Return3 uint32

	// Caller is the thread that issued the call. Handlers that run after a
	// process switch must use it instead of the current thread.
	Caller *proc.Thread
}

// SyscallHandler processes the system calls claimed by a process.
type SyscallHandler interface {
	HandleSyscall(call *Syscall) (gate.SyscallResult, Action)
}

// SyscallHandlerFunc adapts a function to the SyscallHandler interface.
type SyscallHandlerFunc func(call *Syscall) (gate.SyscallResult, Action)

// HandleSyscall calls f(call).
func (f SyscallHandlerFunc) HandleSyscall(call *Syscall) (gate.SyscallResult, Action) {
	return f(call)
}
