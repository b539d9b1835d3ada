package kmain

import (
	"bytes"
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"testing"
)

func TestSemaphoreSyscalls(t *testing.T) {
	k := bootTestKernel(t)
	caller := spawn(t, k, "app")

	regs := syscall(t, k, caller, gate.SyscallAllocateSemaphore, 1)
	if regs.EAX != uint32(gate.SyscallOK) {
		t.Fatalf("expected AllocateSemaphore to succeed; got %d", regs.EAX)
	}
	id := regs.EBX

	if regs = syscall(t, k, caller, gate.SyscallSignalSemaphore, id); regs.EAX != uint32(gate.SyscallOK) {
		t.Fatalf("expected SignalSemaphore to succeed; got %d", regs.EAX)
	}

	// The count accumulated by the signal is consumed without blocking
	if regs = syscall(t, k, caller, gate.SyscallWaitSemaphore, id); regs.EAX != uint32(gate.SyscallOK) || caller.TimeToSleep != 0 {
		t.Fatalf("expected WaitSemaphore to return immediately; got status %d, sleep %d", regs.EAX, caller.TimeToSleep)
	}

	regs = syscall(t, k, caller, gate.SyscallWaitSemaphore, id)
	if caller.TimeToSleep != proc.IndefiniteSleep {
		t.Fatalf("expected caller to block on the semaphore; got sleep %d", caller.TimeToSleep)
	}
	if k.Processes.CurrentThread() == caller {
		t.Fatal("expected another thread to be scheduled while the caller blocks")
	}

	if err := k.Processes.SignalSemaphore(int(id)); err != nil {
		t.Fatal(err)
	}
	if caller.TimeToSleep != 0 || regs.EAX != uint32(gate.SyscallOK) {
		t.Fatalf("expected caller to be woken with an OK status; got sleep %d, status %d", caller.TimeToSleep, regs.EAX)
	}

	if regs = syscall(t, k, caller, gate.SyscallReleaseSemaphore, id); regs.EAX != uint32(gate.SyscallOK) {
		t.Fatalf("expected ReleaseSemaphore to succeed; got %d", regs.EAX)
	}
	if regs = syscall(t, k, caller, gate.SyscallSignalSemaphore, id); regs.EAX != uint32(gate.SyscallFail) {
		t.Fatalf("expected SignalSemaphore on a released semaphore to fail; got %d", regs.EAX)
	}
}

func TestSleepAndYieldSyscalls(t *testing.T) {
	k := bootTestKernel(t)
	sleeper, yielder := spawn(t, k, "sleeper"), spawn(t, k, "yielder")

	regs := syscall(t, k, sleeper, gate.SyscallSleep, 50)
	if regs.EAX != uint32(gate.SyscallOK) || sleeper.TimeToSleep != 50 {
		t.Fatalf("expected a 50ms sleep; got status %d, sleep %d", regs.EAX, sleeper.TimeToSleep)
	}
	if k.Processes.CurrentThread() == sleeper {
		t.Fatal("expected the sleeping thread to be switched out")
	}

	regs = syscall(t, k, yielder, gate.SyscallYield)
	if regs.EAX != uint32(gate.SyscallOK) || yielder.TimeToRun != 0 {
		t.Fatalf("expected yield to give up the time slice; got status %d, time to run %d", regs.EAX, yielder.TimeToRun)
	}
	if k.Processes.CurrentThread() == yielder {
		t.Fatal("expected the yielding thread to be switched out")
	}
}

func TestExitThreadSyscall(t *testing.T) {
	k := bootTestKernel(t)
	caller := spawn(t, k, "app")
	pid := caller.Owner.ID

	syscall(t, k, caller, gate.SyscallExitThread)

	if !caller.State.Terminated {
		t.Fatal("expected caller to be terminated")
	}
	if k.Processes.CurrentProcess() != k.Processes.KernelProcess() {
		t.Fatal("expected the kernel process to be scheduled")
	}
	if k.Processes.GetProcess(pid) != nil {
		t.Fatal("expected the process without threads to be removed")
	}
}

func TestWakeThreadSyscall(t *testing.T) {
	k := bootTestKernel(t)
	sleeper, waker := spawn(t, k, "sleeper"), spawn(t, k, "waker")

	if err := k.Scheduler.Sleep(sleeper, proc.IndefiniteSleep); err != nil {
		t.Fatal(err)
	}

	regs := syscall(t, k, waker, gate.SyscallWakeThread, sleeper.Owner.ID, sleeper.ID)
	if regs.EAX != uint32(gate.SyscallOK) || sleeper.TimeToSleep != 0 {
		t.Fatalf("expected the sleeper to be woken; got status %d, sleep %d", regs.EAX, sleeper.TimeToSleep)
	}

	if regs = syscall(t, k, waker, gate.SyscallWakeThread, 0xbad, 1); regs.EAX != uint32(gate.SyscallFail) {
		t.Fatalf("expected waking a thread of an unknown process to fail; got %d", regs.EAX)
	}
}

func TestCreateThreadSyscallIsDeferred(t *testing.T) {
	k := bootTestKernel(t)
	caller := spawn(t, k, "app")
	p := caller.Owner

	regs := syscall(t, k, caller, gate.SyscallCreateThread, 0x9000, 7)

	if caller.TimeToSleep != proc.IndefiniteSleep {
		t.Fatalf("expected caller to wait for the deferred call; got sleep %d", caller.TimeToSleep)
	}
	if k.PendingSyscalls() != 1 || len(p.Threads) != 1 {
		t.Fatalf("expected thread creation to be deferred; got %d pending calls and %d threads", k.PendingSyscalls(), len(p.Threads))
	}

	k.Housekeeping()

	if k.PendingSyscalls() != 0 || len(p.Threads) != 2 {
		t.Fatalf("expected the deferred call to create a thread; got %d pending calls and %d threads", k.PendingSyscalls(), len(p.Threads))
	}

	created := p.Threads[1]
	if regs.EAX != uint32(gate.SyscallOK) || regs.EBX != created.ID {
		t.Fatalf("expected caller to receive the new thread id %d; got status %d, id %d", created.ID, regs.EAX, regs.EBX)
	}
	if caller.TimeToSleep != 0 {
		t.Fatal("expected caller to be woken")
	}
	if created.State.StartEIP != 0x9000 {
		t.Fatalf("expected new thread to start at 0x9000; got 0x%x", created.State.StartEIP)
	}
	if arg := k.Memory.Uint32(uintptr(created.State.UserStackTop)); arg != 7 {
		t.Fatalf("expected the argument to be pushed on the new stack; got %d", arg)
	}
}

func TestMessageSyscalls(t *testing.T) {
	k := bootTestKernel(t)
	server, client := spawn(t, k, "server"), spawn(t, k, "client")

	serverRegs := syscall(t, k, server, gate.SyscallReceiveMessage)
	if server.TimeToSleep != proc.IndefiniteSleep || !server.WaitingForMessage {
		t.Fatal("expected server to wait for a message")
	}

	clientRegs := syscall(t, k, client, gate.SyscallSendMessage, server.Owner.ID, 0xaa, 0xbb)
	if clientRegs.EAX != uint32(gate.SyscallOK) {
		t.Fatalf("expected SendMessage to succeed; got %d", clientRegs.EAX)
	}

	if server.TimeToSleep != 0 {
		t.Fatal("expected server to be woken by the message")
	}
	if serverRegs.EAX != uint32(gate.SyscallOK) || serverRegs.EBX != client.Owner.ID || serverRegs.ECX != 0xaa || serverRegs.EDX != 0xbb {
		t.Fatalf("unexpected message registers: %+v", *serverRegs)
	}
}

func TestOfferAndAcceptPagesSyscalls(t *testing.T) {
	k := bootTestKernel(t)
	server := spawn(t, k, "server")

	p, err := k.Processes.CreateProcess(0x8000, "client", true)
	if err != nil {
		t.Fatal(err)
	}
	if err = k.Processes.RegisterProcess(p, proc.Normal); err != nil {
		t.Fatal(err)
	}
	client := p.Threads[0]

	stackBase := uintptr(client.State.UserStackTop) &^ uintptr(mm.PageSize-1)
	frame, _, ok := p.Layout.Lookup(mm.PageFromAddress(stackBase))
	if !ok {
		t.Fatal("expected the user stack to be part of the client layout")
	}

	regs := syscall(t, k, client, gate.SyscallOfferPages, server.Owner.ID, uint32(stackBase), 1)
	if regs.EAX != uint32(gate.SyscallOK) {
		t.Fatalf("expected OfferPages to succeed; got %d", regs.EAX)
	}

	kfmt.SetOutputSink(&bytes.Buffer{})
	defer kfmt.SetOutputSink(nil)

	// Kernel stacks cannot be offered
	if regs = syscall(t, k, server, gate.SyscallOfferPages, p.ID, server.State.KernelStackTop&^uint32(mm.PageSize-1), 1); regs.EAX != uint32(gate.SyscallFail) {
		t.Fatalf("expected offering a kernel page to fail; got %d", regs.EAX)
	}

	// Map the offer next to the stack so that no page table has to be
	// allocated while the dispatcher runs
	target := stackBase + mm.PageSize
	regs = syscall(t, k, server, gate.SyscallAcceptPages, uint32(target))
	if regs.EAX != uint32(gate.SyscallOK) || regs.EBX != 1 {
		t.Fatalf("expected 1 page to be accepted; got status %d, count %d", regs.EAX, regs.EBX)
	}

	phys, err := k.PageDirectory.Translate(target)
	if err != nil || phys != frame.Address() {
		t.Fatalf("expected 0x%x to map to 0x%x; got 0x%x, %v", target, frame.Address(), phys, err)
	}

	if regs = syscall(t, k, server, gate.SyscallAcceptPages, uint32(target)); regs.EAX != uint32(gate.SyscallFail) || regs.EBX != 0 {
		t.Fatalf("expected accepting without an offer to fail; got status %d, count %d", regs.EAX, regs.EBX)
	}
}

func TestUnhandledSyscall(t *testing.T) {
	kfmt.SetOutputSink(&bytes.Buffer{})
	defer kfmt.SetOutputSink(nil)

	k := bootTestKernel(t)
	caller := spawn(t, k, "app")

	regs := syscall(t, k, caller, gate.SyscallNumber(200))
	if regs.EAX != uint32(gate.SyscallUnhandled) || caller.TimeToSleep != proc.IndefiniteSleep {
		t.Fatalf("expected unhandled call to park the caller; got status %d, sleep %d", regs.EAX, caller.TimeToSleep)
	}
}
