package kmain

import (
	"kcore/kernel/gate"
	"kcore/kernel/irq"
	"kcore/kernel/kfmt"
	"kcore/kernel/proc"
)

// maxDeferredCalls bounds the number of system calls waiting for the idle
// loop.
const maxDeferredCalls = 32

// kernelSyscalls lists the system calls claimed by the kernel process.
var kernelSyscalls = []gate.SyscallNumber{
	gate.SyscallSleep,
	gate.SyscallYield,
	gate.SyscallExitThread,
	gate.SyscallCreateThread,
	gate.SyscallWakeThread,
	gate.SyscallAllocateSemaphore,
	gate.SyscallReleaseSemaphore,
	gate.SyscallWaitSemaphore,
	gate.SyscallSignalSemaphore,
	gate.SyscallSendMessage,
	gate.SyscallOfferPages,
}

// deferredCall is a system call that needs the heap and therefore cannot be
// completed while the dispatcher prevents allocations.
type deferredCall struct {
	caller     *proc.Thread
	entryPoint uint32
	arg        uint32
}

// handleSyscall services the system calls claimed by the kernel process.
func (k *Kernel) handleSyscall(call *irq.Syscall) (gate.SyscallResult, irq.Action) {
	caller := call.Caller
	pid := caller.Owner.ID

	switch call.Number {
	case gate.SyscallSleep:
		if err := k.Scheduler.Sleep(caller, int32(call.Param1)); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	case gate.SyscallYield:
		caller.TimeToRun = 0
		k.Scheduler.UpdateList(caller)
		if err := k.Scheduler.UpdateCurrentState(); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	case gate.SyscallExitThread:
		if err := k.Processes.TerminateThread(pid, caller.ID); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
		if err := k.Scheduler.UpdateCurrentState(); err != nil {
			kfmt.Printf("[kmain] reschedule after thread exit failed: %s\n", err.Message)
		}
	case gate.SyscallCreateThread:
		if k.deferredCount == maxDeferredCalls {
			return gate.SyscallFail, irq.ActionStop
		}
		k.deferred[k.deferredCount] = deferredCall{caller: caller, entryPoint: call.Param1, arg: call.Param2}
		k.deferredCount++
		return gate.SyscallDeferred, irq.ActionStop
	case gate.SyscallWakeThread:
		if err := k.Processes.WakeThread(call.Param1, call.Param2); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	case gate.SyscallAllocateSemaphore:
		id, err := k.Processes.AllocateSemaphore(int32(call.Param1), pid)
		if err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
		call.Return1 = uint32(id)
	case gate.SyscallReleaseSemaphore:
		if err := k.Processes.ReleaseSemaphore(int(call.Param1), pid); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	case gate.SyscallWaitSemaphore:
		acquired, err := k.Processes.WaitSemaphore(int(call.Param1), caller)
		if err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
		if !acquired {
			// The thread resumes once signalled; the wait itself succeeded.
			caller.State.Registers.EAX = uint32(gate.SyscallOK)
			return gate.SyscallDeferred, irq.ActionStop
		}
	case gate.SyscallSignalSemaphore:
		if err := k.Processes.SignalSemaphore(int(call.Param1)); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	case gate.SyscallSendMessage:
		if err := k.Processes.SendMessage(pid, call.Param1, call.Param2, call.Param3); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	case gate.SyscallOfferPages:
		if err := k.Processes.OfferPages(pid, call.Param1, uintptr(call.Param2), call.Param3); err != nil {
			return gate.SyscallFail, irq.ActionStop
		}
	default:
		return gate.SyscallUnhandled, irq.ActionContinue
	}

	return gate.SyscallOK, irq.ActionStop
}

// PendingSyscalls returns the number of deferred system calls.
func (k *Kernel) PendingSyscalls() int {
	return k.deferredCount
}

// RunDeferredSyscalls completes the system calls deferred by handleSyscall
// and wakes their callers. Callers that terminated in the meantime are
// skipped.
func (k *Kernel) RunDeferredSyscalls() {
	for index := 0; index < k.deferredCount; index++ {
		dc := k.deferred[index]
		k.deferred[index] = deferredCall{}

		if dc.caller.State.Terminated {
			continue
		}

		owner := dc.caller.Owner
		regs := &dc.caller.State.Registers

		t, err := owner.CreateThread(dc.entryPoint, owner.Name, dc.arg)
		if err != nil {
			kfmt.Printf("[kmain] unable to create thread for process %d: %s\n", owner.ID, err.Message)
			regs.EAX = uint32(gate.SyscallFail)
		} else {
			regs.EAX = uint32(gate.SyscallOK)
			regs.EBX = t.ID
		}

		if err = k.Processes.WakeThread(owner.ID, dc.caller.ID); err != nil {
			kfmt.Printf("[kmain] unable to wake thread %d of process %d: %s\n", dc.caller.ID, owner.ID, err.Message)
		}
	}

	k.deferredCount = 0
}
