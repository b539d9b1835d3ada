// Package sched implements the priority based preemptive thread scheduler.
//
// The scheduler keeps every live thread in a single list ordered by the
// owner process priority (highest first) and then by the thread key (the
// outstanding sleep time of a sleeping thread or the time left in its
// slice). Each timer tick charges the running thread, counts sleeping
// threads down and re-evaluates which thread should own the CPU.
package sched

import (
	"kcore/kernel"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm/vmm"
	"kcore/kernel/proc"
	"sort"
)

// DefaultSliceMs is the time slice granted per priority level.
const DefaultSliceMs = int32(10)

var (
	// yieldFn is invoked by SpinSleep while it waits for the sleep
	// countdown to expire. On hardware it halts until the next interrupt.
	yieldFn = func() {}

	errKernelPageFault = &kernel.Error{Module: "sched", Message: "page fault in kernel context"}
)

// Scheduler decides which thread runs next.
type Scheduler struct {
	mgr     *proc.Manager
	threads []*proc.Thread
	enabled bool

	tickMs  int32
	sliceMs int32
}

// New returns a scheduler for the threads of mgr that is driven by a timer
// firing every tickMs milliseconds.
func New(mgr *proc.Manager, tickMs, sliceMs int32) *Scheduler {
	if sliceMs <= 0 {
		sliceMs = DefaultSliceMs
	}

	return &Scheduler{
		mgr:     mgr,
		tickMs:  tickMs,
		sliceMs: sliceMs,
	}
}

// Init attaches the scheduler to the process manager and picks up the
// processes that registered before it.
func (s *Scheduler) Init() {
	s.mgr.SetScheduler(s)
	for _, p := range s.mgr.Processes() {
		s.InitProcess(p, p.Priority)
	}
}

// Start enables preemption and returns the handle the timer interrupt calls
// on every tick.
func (s *Scheduler) Start() *Preemption {
	s.enabled = true
	return &Preemption{s: s}
}

// Enable turns preemption on.
func (s *Scheduler) Enable() { s.enabled = true }

// Disable turns preemption off. Explicit calls to UpdateCurrentState still
// switch threads.
func (s *Scheduler) Disable() { s.enabled = false }

// IsEnabled returns true if timer ticks preempt the running thread.
func (s *Scheduler) IsEnabled() bool { return s.enabled }

// Current returns the running thread.
func (s *Scheduler) Current() *proc.Thread {
	return s.mgr.CurrentThread()
}

// Threads returns the scheduled threads in scheduling order.
func (s *Scheduler) Threads() []*proc.Thread {
	return s.threads
}

// InitProcess sets up the scheduling state of every thread of p.
func (s *Scheduler) InitProcess(p *proc.Process, priority proc.Priority) {
	p.Priority = priority
	for _, t := range p.Threads {
		s.InitThread(p, t)
	}
}

// InitThread grants t a fresh time slice based on the priority of p and
// queues it.
func (s *Scheduler) InitThread(p *proc.Process, t *proc.Thread) {
	t.TimeToRunReload = s.sliceMs * int32(p.Priority)
	t.TimeToRun = t.TimeToRunReload

	if s.indexOf(t) < 0 {
		s.insert(t)
		return
	}
	s.UpdateList(t)
}

// RemoveThread drops t from the scheduling list.
func (s *Scheduler) RemoveThread(t *proc.Thread) {
	if index := s.indexOf(t); index >= 0 {
		s.threads = append(s.threads[:index], s.threads[index+1:]...)
	}
}

// UpdateList moves t to the position that matches its current key.
func (s *Scheduler) UpdateList(t *proc.Thread) {
	index := s.indexOf(t)
	if index < 0 {
		return
	}

	s.threads = append(s.threads[:index], s.threads[index+1:]...)
	s.insert(t)
}

func (s *Scheduler) indexOf(t *proc.Thread) int {
	for index, candidate := range s.threads {
		if candidate == t {
			return index
		}
	}
	return -1
}

// insert places t after every thread that orders before or equal to it.
func (s *Scheduler) insert(t *proc.Thread) {
	index := sort.Search(len(s.threads), func(i int) bool {
		return before(t, s.threads[i])
	})

	s.threads = append(s.threads, nil)
	copy(s.threads[index+1:], s.threads[index:])
	s.threads[index] = t
}

// before returns true if a must be scheduled ahead of b.
func before(a, b *proc.Thread) bool {
	if pa, pb := a.Owner.Priority, b.Owner.Priority; pa != pb {
		return pa > pb
	}
	return a.Key() < b.Key()
}

func (s *Scheduler) resort() {
	sort.SliceStable(s.threads, func(i, j int) bool {
		return before(s.threads[i], s.threads[j])
	})
}

// UpdateCurrentState selects the thread that should run and makes it
// current. When no thread is eligible the time slices of the threads that
// ran out of time are replenished and the selection is retried. If nothing
// can run at all the current thread is kept.
func (s *Scheduler) UpdateCurrentState() *kernel.Error {
	next := s.pick()
	if next == nil {
		s.reload()
		next = s.pick()
	}

	if next == nil {
		return nil
	}

	if next != s.mgr.CurrentThread() {
		if err := s.mgr.SwitchProcess(next.Owner.ID, int64(next.ID)); err != nil {
			kfmt.Printf("[sched] unable to switch to thread %d of process %d: %s\n", next.ID, next.Owner.ID, err.Message)
			return err
		}
	}

	next.State.Started = true
	s.mgr.ReapZombies()
	return nil
}

func (s *Scheduler) pick() *proc.Thread {
	for _, t := range s.threads {
		if eligible(t) {
			return t
		}
	}
	return nil
}

// eligible returns true if t may be dispatched. Threads that have not
// started yet are held back while suspended or asleep.
func eligible(t *proc.Thread) bool {
	switch t.ActiveState() {
	case proc.Active:
		return true
	case proc.NotStarted:
		return !t.Suspend && !t.DebugSuspend && !t.Sleeping()
	default:
		return false
	}
}

func (s *Scheduler) reload() {
	for _, t := range s.threads {
		if t.ActiveState() == proc.Inactive && t.TimeToSleep == 0 {
			t.TimeToRun = t.TimeToRunReload
		}
	}
	s.resort()
}

// Sleep starts the sleep countdown of t. A duration of proc.IndefiniteSleep
// parks the thread until it is woken explicitly. If t is running another
// thread is selected.
func (s *Scheduler) Sleep(t *proc.Thread, ms int32) *kernel.Error {
	if ms < 0 && ms != proc.IndefiniteSleep {
		ms = 0
	}

	t.TimeToSleep = ms
	s.UpdateList(t)

	if t == s.mgr.CurrentThread() {
		return s.UpdateCurrentState()
	}
	return nil
}

// SpinSleep starts the sleep countdown of t and spins until the scheduler
// has counted it down to zero.
func (s *Scheduler) SpinSleep(t *proc.Thread, ms int32) *kernel.Error {
	if err := s.Sleep(t, ms); err != nil {
		return err
	}

	for t.TimeToSleep != 0 {
		yieldFn()
	}
	return nil
}

// HandlePageFault terminates the thread that caused a page fault and
// schedules another one. Faults raised by the kernel process are fatal.
func (s *Scheduler) HandlePageFault(eip, errorCode, faultAddr uint32) *kernel.Error {
	p, t := s.mgr.CurrentProcess(), s.mgr.CurrentThread()
	kfmt.Printf("[sched] page fault at 0x%x while accessing 0x%x: %s\n", eip, faultAddr, vmm.FaultReason(errorCode))

	if p == nil || t == nil || p == s.mgr.KernelProcess() {
		return errKernelPageFault
	}

	kfmt.Printf("[sched] terminating thread %d of process %d (%s)\n", t.ID, p.ID, p.Name)
	if err := s.mgr.TerminateThread(p.ID, t.ID); err != nil {
		return err
	}
	return s.UpdateCurrentState()
}

// Preemption is the handle through which the timer interrupt drives the
// scheduler.
type Preemption struct {
	s *Scheduler
}

// Tick accounts for one timer period and reschedules. It does nothing while
// preemption is disabled.
func (h *Preemption) Tick() *kernel.Error {
	s := h.s
	if !s.enabled {
		return nil
	}

	for _, t := range s.threads {
		if t.TimeToSleep > 0 {
			if t.TimeToSleep -= s.tickMs; t.TimeToSleep < 0 {
				t.TimeToSleep = 0
			}
		}
	}

	if cur := s.mgr.CurrentThread(); cur != nil && cur.TimeToSleep == 0 && cur.Owner.Priority != proc.ZeroTimed {
		cur.TimeToRun -= s.tickMs
	}

	s.resort()
	return s.UpdateCurrentState()
}
