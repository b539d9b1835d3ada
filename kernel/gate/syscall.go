package gate

// SyscallNumber identifies a system call. It is passed in EAX.
type SyscallNumber uint32

// System calls serviced by the kernel process.
const (
	SyscallSleep SyscallNumber = iota + 1
	SyscallYield
	SyscallExitThread
	SyscallCreateThread
	SyscallWakeThread
	SyscallAllocateSemaphore
	SyscallReleaseSemaphore
	SyscallWaitSemaphore
	SyscallSignalSemaphore
	SyscallSendMessage
	SyscallOfferPages

	// SyscallReceiveMessage and SyscallAcceptPages are serviced by the
	// dispatcher itself and never reach a registered handler.
	SyscallReceiveMessage
	SyscallAcceptPages
)

// Reserved returns true for system calls that bypass the handler registry.
func (n SyscallNumber) Reserved() bool {
	return n == SyscallReceiveMessage || n == SyscallAcceptPages
}

// SyscallResult is the status a system call handler reports.
type SyscallResult uint32

const (
	// SyscallUnhandled lets the next handler process the call.
	SyscallUnhandled SyscallResult = iota

	// SyscallOK completes the call; the return values are written back.
	SyscallOK

	// SyscallDeferred parks the caller until a handler wakes it.
	SyscallDeferred

	// SyscallFail completes the call with an error status.
	SyscallFail
)

// PermitActions can be OR-ed with a result so that the action returned
// alongside it is performed while the remaining handlers still get a
// chance to override the final status.
const PermitActions = SyscallResult(0x80)

// ActionsPermitted returns true if the PermitActions bit is set.
func (r SyscallResult) ActionsPermitted() bool {
	return r&PermitActions != 0
}

// Status returns the result without the PermitActions bit.
func (r SyscallResult) Status() SyscallResult {
	return r &^ PermitActions
}

// String returns the name of the result status.
func (r SyscallResult) String() string {
	switch r.Status() {
	case SyscallUnhandled:
		return "unhandled"
	case SyscallOK:
		return "ok"
	case SyscallDeferred:
		return "deferred"
	case SyscallFail:
		return "fail"
	default:
		return "unknown"
	}
}
