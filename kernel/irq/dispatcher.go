// Package irq routes interrupts, exceptions and system calls to the
// handlers registered by processes.
//
// Every vector enters the kernel through Dispatcher.CommonISR. While a
// vector is being handled the heap refuses to allocate and the garbage
// collector is disabled. Handlers are visited in process registration order
// and may request a switch to their own process before they run; the
// interrupted context is always restored before CommonISR returns.
package irq

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/gc"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm/heap"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
)

// maxPendingActions bounds the wake and signal actions collected during a
// single dispatch.
const maxPendingActions = 16

var (
	// panicFn is used by tests to prevent fatal faults from halting.
	panicFn = kfmt.Panic

	errNoSuchProcess = &kernel.Error{Module: "irq", Message: "handler process is not registered"}
)

// Fault records the last handler fault recovered by the dispatcher. The
// record is preallocated so that it can be filled without allocating.
type Fault struct {
	Vector  gate.InterruptNumber
	Message string
	Count   uint32
}

type registration struct {
	interrupt Handler
	syscall   SyscallHandler
}

type pendingAction struct {
	action Action
	pid    uint32
}

// Dispatcher is the single entry point for all interrupt vectors.
type Dispatcher struct {
	cpu       cpu.CPU
	pic       *PIC
	mgr       *proc.Manager
	scheduler *sched.Scheduler
	heap      *heap.Heap
	collector *gc.Collector

	handlers map[uint32]*registration

	// switching enables process switches for handlers that request them.
	switching bool

	timerIRQ uint8
	ticker   *sched.Preemption

	critical bool
	fault    Fault

	pending      [maxPendingActions]pendingAction
	pendingCount int
	call         Syscall
}

// NewDispatcher returns a dispatcher that delivers interrupts to the
// processes tracked by mgr.
func NewDispatcher(c cpu.CPU, mgr *proc.Manager, s *sched.Scheduler, h *heap.Heap, collector *gc.Collector) *Dispatcher {
	return &Dispatcher{
		cpu:       c,
		pic:       NewPIC(c),
		mgr:       mgr,
		scheduler: s,
		heap:      h,
		collector: collector,
		handlers:  make(map[uint32]*registration),
		switching: true,
	}
}

// PIC returns the interrupt controller driven by the dispatcher.
func (d *Dispatcher) PIC() *PIC {
	return d.pic
}

// SetProcessSwitching enables or disables process switches for handlers.
func (d *Dispatcher) SetProcessSwitching(enabled bool) {
	d.switching = enabled
}

// SetTimer routes the given IRQ line to the scheduler preemption handle.
func (d *Dispatcher) SetTimer(irq uint8, ticker *sched.Preemption) {
	d.timerIRQ = irq
	d.ticker = ticker
}

// InCriticalHandler returns true while a vector is being dispatched.
func (d *Dispatcher) InCriticalHandler() bool {
	return d.critical
}

// LastFault returns the record of the last recovered handler fault.
func (d *Dispatcher) LastFault() Fault {
	return d.fault
}

// RegisterHandler installs the interrupt handler of process p. The ISR and
// IRQ bitmaps of p select the vectors it receives.
func (d *Dispatcher) RegisterHandler(p *proc.Process, h Handler) *kernel.Error {
	reg, err := d.registration(p)
	if err != nil {
		return err
	}
	reg.interrupt = h
	return nil
}

// RegisterSyscallHandler installs the system call handler of process p. The
// syscall bitmap of p selects the calls it receives.
func (d *Dispatcher) RegisterSyscallHandler(p *proc.Process, h SyscallHandler) *kernel.Error {
	reg, err := d.registration(p)
	if err != nil {
		return err
	}
	reg.syscall = h
	return nil
}

func (d *Dispatcher) registration(p *proc.Process) (*registration, *kernel.Error) {
	if p == nil || !p.Registered() {
		return nil, errNoSuchProcess
	}

	reg := d.handlers[p.ID]
	if reg == nil {
		reg = &registration{}
		d.handlers[p.ID] = reg
	}
	return reg, nil
}

// CommonISR dispatches the interrupt vector number. Faults raised by
// handlers are recovered, logged and recorded in the fault record.
func (d *Dispatcher) CommonISR(number gate.InterruptNumber) {
	prevCritical := d.critical
	prevPrevent := d.heap.PreventAllocation(true)
	gcEnabled := d.collector != nil && d.collector.IsEnabled()

	d.critical = true
	if gcEnabled {
		d.collector.Disable()
	}

	defer func() {
		if r := recover(); r != nil {
			d.recordFault(number, r)
		}

		if gcEnabled {
			d.collector.Enable()
		}
		d.heap.PreventAllocation(prevPrevent)
		d.critical = prevCritical
	}()

	switch {
	case number == gate.PageFaultException:
		d.handlePageFault()
	case number == gate.SyscallGate:
		d.handleSyscall()
	case number.IsIRQ():
		d.handleIRQ(number)
	default:
		d.handleISR(number)
	}
}

func (d *Dispatcher) recordFault(number gate.InterruptNumber, r interface{}) {
	var msg string
	switch v := r.(type) {
	case *kernel.Error:
		msg = v.Message
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = "unknown fault"
	}

	d.fault.Vector = number
	d.fault.Message = msg
	d.fault.Count++

	kfmt.Printf("[irq] recovered fault while handling vector %d (%s): %s\n", uint8(number), number.String(), msg)
}

func (d *Dispatcher) handlePageFault() {
	var eip, errorCode uint32
	if t := d.mgr.CurrentThread(); t != nil {
		eip, errorCode = t.State.Registers.EIP, t.State.Registers.Info
	}

	if err := d.scheduler.HandlePageFault(eip, errorCode, d.cpu.ReadCR2()); err != nil {
		if t := d.mgr.CurrentThread(); t != nil {
			w := &kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[irq] ")}
			t.State.Registers.DumpTo(w)
			if inst, ok := decodeInstruction(d.heap.Memory(), t.State.Registers.EIP); ok {
				kfmt.Fprintf(w, "faulting instruction: %s\n", inst)
			}
		}
		panicFn(err)
	}
}

func (d *Dispatcher) handleISR(number gate.InterruptNumber) {
	d.pendingCount = 0
	d.visitHandlers(
		func(p *proc.Process) bool { return p.ISRs.IsSet(uint32(number)) },
		func(p *proc.Process) bool { return p.SwitchForISRs },
		func(reg *registration) (Action, bool) {
			if reg.interrupt == nil {
				return ActionContinue, false
			}
			return reg.interrupt.HandleInterrupt(number), true
		},
	)
	d.runPendingActions()
}

func (d *Dispatcher) handleIRQ(number gate.InterruptNumber) {
	irq := number.IRQ()
	defer d.pic.EOI(irq)

	d.pendingCount = 0
	d.visitHandlers(
		func(p *proc.Process) bool { return p.IRQs.IsSet(uint32(irq)) },
		func(p *proc.Process) bool { return p.SwitchForIRQs },
		func(reg *registration) (Action, bool) {
			if reg.interrupt == nil {
				return ActionContinue, false
			}
			return reg.interrupt.HandleInterrupt(number), true
		},
	)
	d.runPendingActions()

	if irq == d.timerIRQ && d.ticker != nil {
		if err := d.ticker.Tick(); err != nil {
			kfmt.Printf("[irq] scheduler tick failed: %s\n", err.Message)
		}
	}
}

// visitHandlers invokes handle for the registration of every process that
// claims the vector until it reports ActionStop. handle returns false when
// the process did not install a matching handler.
func (d *Dispatcher) visitHandlers(claims, wantsSwitch func(*proc.Process) bool, handle func(*registration) (Action, bool)) {
	origProcess, origThread := d.mgr.CurrentProcess(), d.mgr.CurrentThread()
	switched := false
	defer func() {
		if switched {
			d.restore(origProcess, origThread)
		}
	}()

	for _, p := range d.mgr.Processes() {
		reg := d.handlers[p.ID]
		if reg == nil || !p.Registered() || !claims(p) {
			continue
		}

		if d.switching && wantsSwitch(p) && p != d.mgr.CurrentProcess() {
			if err := d.mgr.SwitchProcess(p.ID, proc.ThreadDontCare); err != nil {
				kfmt.Printf("[irq] unable to switch to handler process %d: %s\n", p.ID, err.Message)
				continue
			}
			switched = true
		}

		action, handled := handle(reg)
		if !handled {
			continue
		}

		d.queueAction(p.ID, action)
		if action.Has(ActionStop) {
			return
		}
	}
}

func (d *Dispatcher) restore(p *proc.Process, t *proc.Thread) {
	if p == nil {
		return
	}

	tid := proc.ThreadDontCare
	if t != nil && t.Owner == p {
		tid = int64(t.ID)
	}

	if err := d.mgr.SwitchProcess(p.ID, tid); err != nil {
		kfmt.Printf("[irq] unable to restore process %d: %s\n", p.ID, err.Message)
	}
}

func (d *Dispatcher) queueAction(pid uint32, action Action) {
	if !action.Has(ActionWakeThread) && !action.Has(ActionSignalSemaphore) {
		return
	}

	if d.pendingCount == maxPendingActions {
		kfmt.Printf("[irq] dropping action 0x%x of process %d\n", uint32(action), pid)
		return
	}

	d.pending[d.pendingCount] = pendingAction{action: action, pid: pid}
	d.pendingCount++
}

// runPendingActions performs the wake and signal actions collected by the
// last dispatch. It runs after the interrupted context has been restored.
func (d *Dispatcher) runPendingActions() {
	for index := 0; index < d.pendingCount; index++ {
		pa := d.pending[index]

		if pa.action.Has(ActionWakeThread) {
			if err := d.mgr.WakeThread(pa.pid, pa.action.Value()); err != nil {
				kfmt.Printf("[irq] unable to wake thread %d of process %d: %s\n", pa.action.Value(), pa.pid, err.Message)
			}
		}

		if pa.action.Has(ActionSignalSemaphore) {
			if err := d.mgr.SignalSemaphore(int(pa.action.Value())); err != nil {
				kfmt.Printf("[irq] unable to signal semaphore %d: %s\n", pa.action.Value(), err.Message)
			}
		}
	}
	d.pendingCount = 0
}
