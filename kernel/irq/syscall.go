package irq

import (
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/proc"
)

// handleSyscall services a system call issued by the current thread. The
// call number is read from EAX and the parameters from EBX, ECX and EDX.
func (d *Dispatcher) handleSyscall() {
	caller := d.mgr.CurrentThread()
	if caller == nil {
		return
	}

	regs := &caller.State.Registers
	d.call = Syscall{
		Number: gate.SyscallNumber(regs.EAX),
		Param1: regs.EBX,
		Param2: regs.ECX,
		Param3: regs.EDX,
		Caller: caller,
	}
	call := &d.call

	if call.Number.Reserved() {
		d.handleReservedSyscall(call)
		return
	}

	// A faulting handler leaves the call failed.
	regs.EAX = uint32(gate.SyscallFail)
	result := d.dispatchSyscall(call)
	switch result {
	case gate.SyscallOK, gate.SyscallFail:
		regs.EAX = uint32(result)
		regs.EBX = call.Return1
		regs.ECX = call.Return2
		regs.EDX = call.Return3
	default:
		if result == gate.SyscallUnhandled {
			kfmt.Printf("[irq] unhandled system call %d from thread %d of process %d\n", uint32(call.Number), caller.ID, caller.Owner.ID)
			regs.EAX = uint32(gate.SyscallUnhandled)
		}
		d.park(caller)
	}
}

// dispatchSyscall offers call to the processes that claim it. The first
// handler that reports a status other than SyscallUnhandled decides the
// result. Handlers that set PermitActions get their action performed and
// leave the decision to the handlers that follow them.
func (d *Dispatcher) dispatchSyscall(call *Syscall) gate.SyscallResult {
	result := gate.SyscallUnhandled

	d.pendingCount = 0
	d.visitHandlers(
		func(p *proc.Process) bool { return p.Syscalls.IsSet(uint32(call.Number)) },
		func(p *proc.Process) bool { return p.SwitchForSyscalls },
		func(reg *registration) (Action, bool) {
			if reg.syscall == nil {
				return ActionContinue, false
			}

			status, action := reg.syscall.HandleSyscall(call)
			if status.ActionsPermitted() {
				if status.Status() != gate.SyscallUnhandled {
					result = status.Status()
				}
				return action &^ ActionStop, true
			}

			if status == gate.SyscallUnhandled {
				return action &^ ActionStop, true
			}

			result = status
			return action | ActionStop, true
		},
	)
	d.runPendingActions()

	return result
}

// handleReservedSyscall services ReceiveMessage and AcceptPages. They are
// never dispatched to registered handlers.
func (d *Dispatcher) handleReservedSyscall(call *Syscall) {
	caller := call.Caller
	regs := &caller.State.Registers

	switch call.Number {
	case gate.SyscallReceiveMessage:
		if !d.mgr.ReceiveMessage(caller) {
			d.scheduler.UpdateList(caller)
			d.reschedule()
		}
	case gate.SyscallAcceptPages:
		count, err := d.mgr.AcceptPages(caller, uintptr(call.Param1))
		regs.EAX = uint32(gate.SyscallOK)
		if err != nil {
			kfmt.Printf("[irq] accept pages failed for process %d: %s\n", caller.Owner.ID, err.Message)
			regs.EAX = uint32(gate.SyscallFail)
		}
		regs.EBX = count
	}
}

// park puts caller to sleep until a handler wakes it.
func (d *Dispatcher) park(caller *proc.Thread) {
	caller.TimeToSleep = proc.IndefiniteSleep
	d.scheduler.UpdateList(caller)
	d.reschedule()
}

func (d *Dispatcher) reschedule() {
	if err := d.scheduler.UpdateCurrentState(); err != nil {
		kfmt.Printf("[irq] reschedule failed: %s\n", err.Message)
	}
}
