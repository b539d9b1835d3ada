package proc

import (
	"kcore/kernel/gate"
	"kcore/kernel/mm"
)

// IndefiniteSleep is the TimeToSleep value of a thread that sleeps until it
// is explicitly woken.
const IndefiniteSleep = int32(-1)

// ActiveState describes the scheduling state of a thread.
type ActiveState uint8

const (
	// NotStarted threads have never been dispatched.
	NotStarted ActiveState = iota

	// Suspended threads are excluded from scheduling until resumed or
	// woken.
	Suspended

	// Inactive threads are sleeping for a finite amount of time or have
	// used up their time slice.
	Inactive

	// Active threads are eligible to run.
	Active

	// Terminated threads never run again.
	Terminated
)

// String returns the name of the state.
func (s ActiveState) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Suspended:
		return "suspended"
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ThreadState holds the CPU context of a thread.
type ThreadState struct {
	Started    bool
	Terminated bool

	// KernelMode is set for threads that run in ring 0.
	KernelMode bool

	// KernelStackTop is the initial stack pointer used when the thread
	// enters the kernel.
	KernelStackTop uint32

	// UserStackTop is the virtual address of the top of the stack that the
	// thread starts on.
	UserStackTop uint32

	// StartEIP is the address of the thread entry point.
	StartEIP uint32

	// Registers is the context saved when the thread was last interrupted.
	// Syscall parameters and results are exchanged through it.
	Registers gate.Registers
}

// Thread is a schedulable execution context that belongs to a Process.
type Thread struct {
	ID    uint32
	Name  string
	Owner *Process

	// TimeToRun is the number of ticks left in the current time slice.
	TimeToRun int32

	// TimeToRunReload is the time slice length assigned by the scheduler.
	TimeToRunReload int32

	// TimeToSleep is the number of milliseconds the thread still has to
	// sleep or IndefiniteSleep.
	TimeToSleep int32

	Suspend      bool
	DebugSuspend bool

	State ThreadState

	// WaitingForMessage is set while the thread is parked in a
	// ReceiveMessage call.
	WaitingForMessage bool

	kernelStack uintptr
	userStack   uintptr
	stackPages  []stackPage
}

type stackPage struct {
	page  mm.Page
	frame mm.Frame
	kind  PageKind
}

// ActiveState returns the scheduling state of the thread. When several
// conditions hold, termination wins over everything, a thread that has not
// started yet is reported as such and suspension wins over sleeping or an
// exhausted time slice.
func (t *Thread) ActiveState() ActiveState {
	switch {
	case t.State.Terminated:
		return Terminated
	case !t.State.Started:
		return NotStarted
	case t.Suspend || t.DebugSuspend || t.TimeToSleep == IndefiniteSleep:
		return Suspended
	case t.TimeToSleep > 0:
		return Inactive
	case t.TimeToRun <= 0 && !t.zeroTimed():
		return Inactive
	default:
		return Active
	}
}

// Sleeping returns true if the thread has outstanding sleep time.
func (t *Thread) Sleeping() bool {
	return t.TimeToSleep != 0
}

// Key returns the value the scheduler orders threads of equal priority by:
// the outstanding sleep time of sleeping threads or the remaining time slice
// otherwise.
func (t *Thread) Key() int32 {
	if t.TimeToSleep > 0 {
		return t.TimeToSleep
	}
	return t.TimeToRun
}

// WaiterKey returns a value that uniquely identifies the thread across
// processes.
func (t *Thread) WaiterKey() uint64 {
	return uint64(t.Owner.ID)<<32 | uint64(t.ID)
}

func (t *Thread) zeroTimed() bool {
	return t.Owner != nil && t.Owner.Priority == ZeroTimed
}
