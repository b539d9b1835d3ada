package proc

import (
	"kcore/kernel"
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm/heap"
	"kcore/kernel/sync"
)

// ThreadDontCare can be passed to SwitchProcess to keep the current thread
// of the target process or pick its first live thread.
const ThreadDontCare = int64(-1)

var (
	errInvalidProcess    = &kernel.Error{Module: "proc", Message: "invalid process id"}
	errInvalidThread     = &kernel.Error{Module: "proc", Message: "invalid thread id"}
	errKernelProcess     = &kernel.Error{Module: "proc", Message: "kernel process already initialized"}
	errNoKernelProcess   = &kernel.Error{Module: "proc", Message: "kernel process not initialized"}
	errAlreadyRegistered = &kernel.Error{Module: "proc", Message: "process already registered"}
)

// Scheduler receives the thread bookkeeping updates produced by the process
// manager.
type Scheduler interface {
	InitProcess(p *Process, priority Priority)
	InitThread(p *Process, t *Thread)
	RemoveThread(t *Thread)
	UpdateList(t *Thread)
}

// Manager owns the process list and tracks the current process and thread.
type Manager struct {
	heap      *heap.Heap
	mem       *mem.Memory
	pager     Pager
	sems      *sync.SemaphoreTable
	sched     Scheduler
	stackSize mem.Size

	// processes lists the registered processes in registration order.
	processes []*Process
	kernel    *Process

	current       *Process
	currentThread *Thread

	nextPID uint32

	// zombies holds terminated threads whose stacks are still in use.
	zombies []*Thread
}

// NewManager returns a manager that allocates thread stacks of stackSize bytes
// from h and applies layout changes through pager.
func NewManager(h *heap.Heap, pager Pager, sems *sync.SemaphoreTable, stackSize mem.Size) *Manager {
	return &Manager{
		heap:      h,
		mem:       h.Memory(),
		pager:     pager,
		sems:      sems,
		stackSize: stackSize,
	}
}

// SetScheduler attaches the scheduler that is notified about thread changes.
func (m *Manager) SetScheduler(s Scheduler) {
	m.sched = s
}

// Semaphores returns the semaphore table used by the manager.
func (m *Manager) Semaphores() *sync.SemaphoreTable {
	return m.sems
}

// CreateProcess creates a process with a single thread that starts at
// startPoint. The process must be registered before it can be scheduled.
func (m *Manager) CreateProcess(startPoint uint32, name string, userMode bool, args ...uint32) (*Process, *kernel.Error) {
	if m.kernel == nil {
		return nil, errNoKernelProcess
	}

	p := m.newProcess(name, userMode)
	if _, err := p.CreateThread(startPoint, name, args...); err != nil {
		return nil, err
	}

	return p, nil
}

// InitKernelProcess creates and registers the kernel process. Its first
// thread represents the context that is already running and becomes the
// current thread.
func (m *Manager) InitKernelProcess(name string, priority Priority) (*Process, *kernel.Error) {
	if m.kernel != nil {
		return nil, errKernelProcess
	}

	p := m.newProcess(name, false)
	m.kernel = p
	m.current = p

	t, err := p.CreateThread(0, name)
	if err != nil {
		m.kernel, m.current = nil, nil
		return nil, err
	}
	t.State.Started = true
	m.currentThread = t

	if err = m.RegisterProcess(p, priority); err != nil {
		return nil, err
	}

	return p, nil
}

func (m *Manager) newProcess(name string, userMode bool) *Process {
	p := &Process{
		ID:       m.nextPID,
		Name:     name,
		UserMode: userMode,
		Layout:   NewMemoryLayout(userMode),
		mgr:      m,
	}
	m.nextPID++
	return p
}

// RegisterProcess appends p to the process list and hands it to the
// scheduler with the given priority.
func (m *Manager) RegisterProcess(p *Process, priority Priority) *kernel.Error {
	if p.registered {
		return errAlreadyRegistered
	}

	p.Priority = priority
	p.registered = true
	m.processes = append(m.processes, p)

	if m.sched != nil {
		m.sched.InitProcess(p, priority)
	}

	kfmt.Printf("[proc] registered process %d (%s) with %d thread(s)\n", p.ID, p.Name, len(p.Threads))
	return nil
}

// Processes returns the registered processes in registration order.
func (m *Manager) Processes() []*Process {
	return m.processes
}

// KernelProcess returns the kernel process.
func (m *Manager) KernelProcess() *Process {
	return m.kernel
}

// CurrentProcess returns the process whose layout is active.
func (m *Manager) CurrentProcess() *Process {
	return m.current
}

// CurrentThread returns the thread that owns the CPU.
func (m *Manager) CurrentThread() *Thread {
	return m.currentThread
}

// GetProcess returns the registered process with the given id or nil.
func (m *Manager) GetProcess(pid uint32) *Process {
	for _, p := range m.processes {
		if p.ID == pid {
			return p
		}
	}
	return nil
}

// GetThread returns the thread tid of process pid or nil.
func (m *Manager) GetThread(pid, tid uint32) *Thread {
	if p := m.GetProcess(pid); p != nil {
		return p.Thread(tid)
	}
	return nil
}

// SwitchProcess makes pid the current process and tid its current thread.
// Only the mapping differences between the old and the new layout are
// applied.
func (m *Manager) SwitchProcess(pid uint32, tid int64) *kernel.Error {
	p := m.GetProcess(pid)
	if p == nil {
		return errInvalidProcess
	}

	var t *Thread
	switch {
	case tid != ThreadDontCare:
		if t = p.Thread(uint32(tid)); t == nil {
			return errInvalidThread
		}
	case m.currentThread != nil && m.currentThread.Owner == p:
		t = m.currentThread
	default:
		for _, candidate := range p.Threads {
			if !candidate.State.Terminated {
				t = candidate
				break
			}
		}
	}

	if p != m.current {
		var oldLayout *MemoryLayout
		if m.current != nil {
			oldLayout = m.current.Layout
		}

		if err := p.SwitchFromLayout(oldLayout); err != nil {
			return err
		}
		m.current = p
	}

	m.currentThread = t
	return nil
}

// WakeThread clears the sleep countdown of a thread.
func (m *Manager) WakeThread(pid, tid uint32) *kernel.Error {
	t := m.GetThread(pid, tid)
	if t == nil {
		return errInvalidThread
	}

	t.TimeToSleep = 0
	m.updateList(t)
	return nil
}

// SuspendThread sets or clears the suspend flag of a thread.
func (m *Manager) SuspendThread(pid, tid uint32, suspend bool) *kernel.Error {
	t := m.GetThread(pid, tid)
	if t == nil {
		return errInvalidThread
	}

	t.Suspend = suspend
	m.updateList(t)
	return nil
}

// TerminateThread marks a thread as terminated and removes it from the
// scheduler. The thread stacks are returned to the heap immediately unless
// the thread is the one running, in which case they are reclaimed by the
// next ReapZombies call after the CPU has moved on.
func (m *Manager) TerminateThread(pid, tid uint32) *kernel.Error {
	t := m.GetThread(pid, tid)
	if t == nil {
		return errInvalidThread
	}

	if t.State.Terminated {
		return nil
	}

	t.State.Terminated = true
	if m.sched != nil {
		m.sched.RemoveThread(t)
	}
	m.sems.RemoveWaiter(t.WaiterKey())

	if t == m.currentThread {
		m.zombies = append(m.zombies, t)
		return nil
	}

	m.reap(t)
	return nil
}

// ReapZombies reclaims terminated threads that are no longer running.
func (m *Manager) ReapZombies() {
	remaining := m.zombies[:0]
	for _, t := range m.zombies {
		if t == m.currentThread {
			remaining = append(remaining, t)
			continue
		}
		m.reap(t)
	}
	m.zombies = remaining
}

func (m *Manager) reap(t *Thread) {
	p := t.Owner
	m.releaseStacks(t)

	for index, candidate := range p.Threads {
		if candidate == t {
			p.Threads = append(p.Threads[:index], p.Threads[index+1:]...)
			break
		}
	}

	if len(p.Threads) == 0 && p != m.kernel {
		m.removeProcess(p)
	}
}

// removeProcess unregisters a process without threads and releases the
// resources it still holds. The process list is rebuilt rather than
// compacted so slices handed out by Processes stay intact.
func (m *Manager) removeProcess(p *Process) {
	for index, candidate := range m.processes {
		if candidate == p {
			m.processes = append(m.processes[:index:index], m.processes[index+1:]...)
			break
		}
	}
	p.registered = false

	if p == m.current {
		if err := m.kernel.SwitchFromLayout(p.Layout); err != nil {
			kfmt.Printf("[proc] unable to unload layout of process %d: %s\n", p.ID, err.Message)
		}
		m.current = m.kernel
		if m.currentThread != nil && m.currentThread.Owner == p {
			m.currentThread = nil
		}
	}

	for _, waiter := range m.sems.ReleaseOwner(p.ID) {
		m.wakeWaiter(waiter)
	}

	p.Messages = nil
	p.Offers = nil
	kfmt.Printf("[proc] removed process %d (%s)\n", p.ID, p.Name)
}

// registerPage records a stack page in the owner layout and, for kernel
// pages of other processes, in the kernel layout. Pages of the current
// process are mapped right away.
func (m *Manager) registerPage(p *Process, sp stackPage) *kernel.Error {
	p.Layout.AddPage(sp.page, sp.frame, sp.kind)
	if sp.kind == KernelPage && m.kernel != nil && p != m.kernel {
		m.kernel.Layout.AddPage(sp.page, sp.frame, sp.kind)
	}

	if p == m.current {
		return m.pager.Map(sp.page, sp.frame, p.Layout.flags(sp.kind))
	}
	return nil
}

func (m *Manager) releaseStacks(t *Thread) {
	p := t.Owner
	for _, sp := range t.stackPages {
		p.Layout.RemovePage(sp.page)
		if sp.kind == KernelPage && m.kernel != nil && p != m.kernel {
			m.kernel.Layout.RemovePage(sp.page)
		}

		if p == m.current && sp.kind != KernelPage {
			_ = m.pager.Unmap(sp.page)
		}
	}
	t.stackPages = nil

	m.heap.Free(t.kernelStack)
	m.heap.Free(t.userStack)
	t.kernelStack, t.userStack = 0, 0
}

func (m *Manager) updateList(t *Thread) {
	if m.sched != nil && t.Owner != nil && t.Owner.registered && !t.State.Terminated {
		m.sched.UpdateList(t)
	}
}

func (m *Manager) wakeWaiter(waiter uint64) {
	_ = m.WakeThread(uint32(waiter>>32), uint32(waiter))
}
