package irq

import (
	"bytes"
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/gc"
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm"
	"kcore/kernel/mm/heap"
	"kcore/kernel/mm/vmm"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
	"kcore/kernel/sync"
	"strings"
	"testing"
)

type nopPager struct{}

func (nopPager) Map(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil }
func (nopPager) Unmap(mm.Page) *kernel.Error { return nil }

type testKernel struct {
	cpu       *cpu.Emulated
	heap      *heap.Heap
	mgr       *proc.Manager
	sched     *sched.Scheduler
	collector *gc.Collector
	d         *Dispatcher
	kernel    *proc.Process
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()

	m := mem.New(2 * mem.Mb)
	h := heap.New(m)
	h.RegisterBlock(uintptr(mem.Mb), mem.Mb, 16)

	mgr := proc.NewManager(h, nopPager{}, sync.NewSemaphoreTable(4), 4*mem.Kb)
	kp, err := mgr.InitKernelProcess("kernel", proc.Normal)
	if err != nil {
		t.Fatal(err)
	}

	s := sched.New(mgr, 10, sched.DefaultSliceMs)
	s.Init()

	c := cpu.NewEmulated()
	collector := gc.New(h, gc.NewTypeTable())

	return &testKernel{
		cpu:       c,
		heap:      h,
		mgr:       mgr,
		sched:     s,
		collector: collector,
		d:         NewDispatcher(c, mgr, s, h, collector),
		kernel:    kp,
	}
}

func (k *testKernel) spawn(t *testing.T, name string) *proc.Process {
	t.Helper()

	p, err := k.mgr.CreateProcess(0x8000, name, false)
	if err != nil {
		t.Fatal(err)
	}
	if err = k.mgr.RegisterProcess(p, proc.Normal); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPIC(t *testing.T) {
	c := cpu.NewEmulated()
	pic := NewPIC(c)

	c.PortWriteByte(masterDataPort, 0xfb)
	c.PortWriteByte(slaveDataPort, 0xff)
	c.Writes = nil

	pic.Remap(0x20, 0x28)

	exp := []cpu.PortWrite{
		{Port: masterCommandPort, Value: 0x11},
		{Port: slaveCommandPort, Value: 0x11},
		{Port: masterDataPort, Value: 0x20},
		{Port: slaveDataPort, Value: 0x28},
		{Port: masterDataPort, Value: 0x04},
		{Port: slaveDataPort, Value: 0x02},
		{Port: masterDataPort, Value: 0x01},
		{Port: slaveDataPort, Value: 0x01},
		{Port: masterDataPort, Value: 0xfb},
		{Port: slaveDataPort, Value: 0xff},
	}

	if len(c.Writes) != len(exp) {
		t.Fatalf("expected %d port writes; got %d", len(exp), len(c.Writes))
	}
	for index, w := range exp {
		if c.Writes[index] != w {
			t.Errorf("[%d] expected write %+v; got %+v", index, w, c.Writes[index])
		}
	}

	pic.Unmask(2)
	pic.Unmask(12)
	if got := c.PortReadByte(masterDataPort); got != 0xfb {
		t.Errorf("expected master mask 0xfb; got 0x%x", got)
	}
	if got := c.PortReadByte(slaveDataPort); got != 0xef {
		t.Errorf("expected slave mask 0xef; got 0x%x", got)
	}

	pic.Mask(2)
	if got := c.PortReadByte(masterDataPort); got != 0xff {
		t.Errorf("expected master mask 0xff; got 0x%x", got)
	}

	specs := []struct {
		irq uint8
		exp []cpu.PortWrite
	}{
		{3, []cpu.PortWrite{{Port: masterCommandPort, Value: 0x20}}},
		{10, []cpu.PortWrite{{Port: slaveCommandPort, Value: 0x20}, {Port: masterCommandPort, Value: 0x20}}},
	}

	for _, spec := range specs {
		c.Writes = nil
		pic.EOI(spec.irq)

		if len(c.Writes) != len(spec.exp) {
			t.Fatalf("[irq %d] expected %d writes; got %d", spec.irq, len(spec.exp), len(c.Writes))
		}
		for index, w := range spec.exp {
			if c.Writes[index] != w {
				t.Errorf("[irq %d] expected write %+v; got %+v", spec.irq, w, c.Writes[index])
			}
		}
	}
}

func TestAction(t *testing.T) {
	a := NewAction(ActionWakeThread|ActionStop, 0x1234567)

	if !a.Has(ActionWakeThread) || !a.Has(ActionStop) || a.Has(ActionSignalSemaphore) {
		t.Fatalf("unexpected action flags 0x%x", uint32(a))
	}

	if exp, got := uint32(0x234567), a.Value(); got != exp {
		t.Fatalf("expected value to be truncated to 24 bits (0x%x); got 0x%x", exp, got)
	}
}

func TestIRQWakesThreadAfterContextRestore(t *testing.T) {
	k := newTestKernel(t)
	driver := k.spawn(t, "driver")
	driver.IRQs.Set(5)
	driver.SwitchForIRQs = true

	sleeper, err := driver.CreateThread(0x9000, "sleeper")
	if err != nil {
		t.Fatal(err)
	}
	sleeper.TimeToSleep = proc.IndefiniteSleep

	var (
		calls            int
		handlerProcess   *proc.Process
		sleeperDuringIRQ int32
		critical         bool
	)
	err = k.d.RegisterHandler(driver, HandlerFunc(func(number gate.InterruptNumber) Action {
		calls++
		handlerProcess = k.mgr.CurrentProcess()
		sleeperDuringIRQ = sleeper.TimeToSleep
		critical = k.d.InCriticalHandler() && k.heap.AllocationPrevented() && !k.collector.IsEnabled()
		return NewAction(ActionContinue|ActionWakeThread, sleeper.ID)
	}))
	if err != nil {
		t.Fatal(err)
	}

	k.cpu.Writes = nil
	k.d.CommonISR(gate.IRQBase + 5)

	if calls != 1 {
		t.Fatalf("expected handler to be called once; got %d", calls)
	}
	if handlerProcess != driver {
		t.Fatal("expected handler to run with its own process switched in")
	}
	if sleeperDuringIRQ != proc.IndefiniteSleep {
		t.Fatal("expected the wake action to be deferred until after the handler returned")
	}
	if !critical {
		t.Fatal("expected allocation and collection to be suspended during dispatch")
	}

	if sleeper.TimeToSleep != 0 {
		t.Fatalf("expected sleeper to be woken; TimeToSleep = %d", sleeper.TimeToSleep)
	}
	if k.mgr.CurrentProcess() != k.kernel || k.mgr.CurrentThread() != k.kernel.Threads[0] {
		t.Fatal("expected interrupted context to be restored")
	}

	if k.d.InCriticalHandler() || k.heap.AllocationPrevented() || !k.collector.IsEnabled() {
		t.Fatal("expected allocation and collection to be re-enabled after dispatch")
	}

	if len(k.cpu.Writes) != 1 || k.cpu.Writes[0] != (cpu.PortWrite{Port: masterCommandPort, Value: eoiCmd}) {
		t.Fatalf("expected EOI to be sent to the master PIC; got %+v", k.cpu.Writes)
	}
}

func TestISROrderAndStop(t *testing.T) {
	k := newTestKernel(t)
	first := k.spawn(t, "first")
	second := k.spawn(t, "second")
	unclaimed := k.spawn(t, "unclaimed")

	const vector = gate.InterruptNumber(0x50)
	first.ISRs.Set(uint32(vector))
	second.ISRs.Set(uint32(vector))

	var (
		order     []string
		stopFirst bool
	)
	register := func(p *proc.Process) {
		if err := k.d.RegisterHandler(p, HandlerFunc(func(gate.InterruptNumber) Action {
			order = append(order, p.Name)
			if p == first && stopFirst {
				return ActionStop
			}
			return ActionContinue
		})); err != nil {
			t.Fatal(err)
		}
	}
	register(first)
	register(second)
	register(unclaimed)

	k.d.CommonISR(vector)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected handlers to run in registration order; got %v", order)
	}

	order, stopFirst = nil, true
	k.d.CommonISR(vector)
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("expected ActionStop to short-circuit dispatch; got %v", order)
	}

	if err := k.d.RegisterHandler(&proc.Process{}, HandlerFunc(nil)); err != errNoSuchProcess {
		t.Fatalf("expected errNoSuchProcess; got %v", err)
	}
}

func TestProcessSwitchingDisabled(t *testing.T) {
	k := newTestKernel(t)
	driver := k.spawn(t, "driver")
	driver.IRQs.Set(1)
	driver.SwitchForIRQs = true
	k.d.SetProcessSwitching(false)

	var seen *proc.Process
	_ = k.d.RegisterHandler(driver, HandlerFunc(func(gate.InterruptNumber) Action {
		seen = k.mgr.CurrentProcess()
		return ActionContinue
	}))

	k.d.CommonISR(gate.IRQBase + 1)
	if seen != k.kernel {
		t.Fatal("expected handler to run in the interrupted context")
	}
}

func TestHandlerFaultIsRecovered(t *testing.T) {
	k := newTestKernel(t)
	driver := k.spawn(t, "driver")
	driver.IRQs.Set(9)
	driver.SwitchForIRQs = true

	errBoom := &kernel.Error{Module: "test", Message: "boom"}
	_ = k.d.RegisterHandler(driver, HandlerFunc(func(gate.InterruptNumber) Action {
		panic(errBoom)
	}))

	k.cpu.Writes = nil
	k.d.CommonISR(gate.IRQBase + 9)

	fault := k.d.LastFault()
	if fault.Count != 1 || fault.Vector != gate.IRQBase+9 || fault.Message != "boom" {
		t.Fatalf("unexpected fault record: %+v", fault)
	}

	if k.mgr.CurrentProcess() != k.kernel {
		t.Fatal("expected context to be restored after a handler fault")
	}
	if k.d.InCriticalHandler() || k.heap.AllocationPrevented() || !k.collector.IsEnabled() {
		t.Fatal("expected critical state to be cleared after a handler fault")
	}

	exp := []cpu.PortWrite{{Port: slaveCommandPort, Value: eoiCmd}, {Port: masterCommandPort, Value: eoiCmd}}
	if len(k.cpu.Writes) != 2 || k.cpu.Writes[0] != exp[0] || k.cpu.Writes[1] != exp[1] {
		t.Fatalf("expected EOI to be sent to both controllers; got %+v", k.cpu.Writes)
	}
}

func TestSyscallHandlerFaultFailsTheCall(t *testing.T) {
	k := newTestKernel(t)
	k.kernel.Syscalls.Set(uint32(gate.SyscallSleep))

	if err := k.d.RegisterSyscallHandler(k.kernel, SyscallHandlerFunc(func(*Syscall) (gate.SyscallResult, Action) {
		panic("sleep handler crashed")
	})); err != nil {
		t.Fatal(err)
	}

	caller := k.mgr.CurrentThread()
	caller.State.Registers.EAX = uint32(gate.SyscallSleep)
	caller.State.Registers.EBX = 10
	k.d.CommonISR(gate.SyscallGate)

	if got := caller.State.Registers.EAX; got != uint32(gate.SyscallFail) {
		t.Fatalf("expected a faulting handler to fail the call; got status %d", got)
	}
	if fault := k.d.LastFault(); fault.Count != 1 || fault.Vector != gate.SyscallGate || fault.Message != "sleep handler crashed" {
		t.Fatalf("unexpected fault record: %+v", fault)
	}
}

func TestHandlerTerminatingItsProcess(t *testing.T) {
	k := newTestKernel(t)
	first := k.spawn(t, "first")
	second := k.spawn(t, "second")
	third := k.spawn(t, "third")

	const vector = gate.InterruptNumber(0x51)
	visits := make(map[string]int)
	for _, p := range []*proc.Process{first, second, third} {
		p := p
		p.ISRs.Set(uint32(vector))
		if err := k.d.RegisterHandler(p, HandlerFunc(func(gate.InterruptNumber) Action {
			visits[p.Name]++
			if p == first {
				if err := k.mgr.TerminateThread(p.ID, p.Threads[0].ID); err != nil {
					t.Fatal(err)
				}
			}
			return ActionContinue
		})); err != nil {
			t.Fatal(err)
		}
	}

	k.d.CommonISR(vector)

	if first.Registered() {
		t.Fatal("expected process without threads to be unregistered")
	}
	for _, name := range []string{"first", "second", "third"} {
		if visits[name] != 1 {
			t.Fatalf("expected every handler to run once; got %v", visits)
		}
	}

	k.d.CommonISR(vector)
	if visits["first"] != 1 || visits["second"] != 2 || visits["third"] != 2 {
		t.Fatalf("expected the removed process to be skipped; got %v", visits)
	}
}

func TestSignalSemaphoreAction(t *testing.T) {
	k := newTestKernel(t)
	driver := k.spawn(t, "driver")
	driver.IRQs.Set(4)

	waiter := driver.Threads[0]
	id, err := k.mgr.AllocateSemaphore(1, driver.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = k.mgr.WaitSemaphore(id, waiter); err != nil {
		t.Fatal(err)
	}

	_ = k.d.RegisterHandler(driver, HandlerFunc(func(gate.InterruptNumber) Action {
		return NewAction(ActionSignalSemaphore, uint32(id))
	}))

	k.d.CommonISR(gate.IRQBase + 4)
	if waiter.TimeToSleep != 0 {
		t.Fatal("expected semaphore waiter to be woken")
	}
}

func TestTimerTick(t *testing.T) {
	k := newTestKernel(t)
	k.d.SetTimer(0, k.sched.Start())

	kt := k.kernel.Threads[0]
	before := kt.TimeToRun

	k.d.CommonISR(gate.IRQBase)
	if kt.TimeToRun != before-10 {
		t.Fatalf("expected timer IRQ to charge the running thread; got %d, expected %d", kt.TimeToRun, before-10)
	}
}

func TestPageFault(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)

	k := newTestKernel(t)

	var fatal interface{}
	panicFn = func(e interface{}) { fatal = e }

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	// hlt at the kernel thread instruction pointer
	kt := k.kernel.Threads[0]
	kt.State.Registers.EIP = 0x7000
	k.heap.Memory().PutUint8(0x7000, 0xf4)

	k.cpu.CR2 = 0xdead
	k.d.CommonISR(gate.PageFaultException)
	if fatal == nil {
		t.Fatal("expected a kernel page fault to be fatal")
	}
	if out := buf.String(); !strings.Contains(out, "[irq] EIP = ") || !strings.Contains(out, "[irq] faulting instruction: hlt") {
		t.Fatalf("expected a register dump with the faulting instruction; got:\n%s", out)
	}

	fatal = nil
	victim := k.spawn(t, "victim")
	th := victim.Threads[0]
	if err := k.mgr.SwitchProcess(victim.ID, int64(th.ID)); err != nil {
		t.Fatal(err)
	}
	th.State.Registers.Info = 6

	k.d.CommonISR(gate.PageFaultException)
	if fatal != nil {
		t.Fatalf("expected user page fault not to be fatal; got %v", fatal)
	}
	if !th.State.Terminated || k.mgr.CurrentThread() != k.kernel.Threads[0] {
		t.Fatal("expected faulting thread to be terminated and the kernel to be rescheduled")
	}
}

func TestDecodeInstruction(t *testing.T) {
	m := mem.New(mem.Mb)
	last := uint32(mem.Mb - 1)

	// hlt; nop; truncated mov eax, [moffs32]
	m.PutUint8(0x1000, 0xf4)
	m.PutUint8(0x2000, 0x90)
	m.PutUint8(uintptr(last), 0xa1)

	specs := []struct {
		eip   uint32
		exp   string
		expOK bool
	}{
		{0x1000, "hlt", true},
		{0x2000, "nop", true},
		{last, "", false},
		{uint32(mem.Mb), "", false},
	}

	for specIndex, spec := range specs {
		got, ok := decodeInstruction(m, spec.eip)
		if ok != spec.expOK || got != spec.exp {
			t.Errorf("[spec %d] expected (%q, %t); got (%q, %t)", specIndex, spec.exp, spec.expOK, got, ok)
		}
	}
}
