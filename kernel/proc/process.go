// Package proc implements processes, threads and the process manager that
// tracks which thread currently owns the CPU.
package proc

import (
	"kcore/kernel"
	"kcore/kernel/mem"
	"kcore/kernel/mm"
)

// Priority is the scheduling class of a process.
type Priority int32

const (
	// ZeroTimed threads are never charged for the time they run. They are
	// always eligible and only run when nothing with a higher priority can.
	ZeroTimed Priority = iota
	Low
	Normal
	High
	RealTime
)

// String returns the name of the priority class.
func (p Priority) String() string {
	switch p {
	case ZeroTimed:
		return "zero-timed"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case RealTime:
		return "realtime"
	default:
		return "unknown"
	}
}

// BitmapSize is the number of bits in a Bitmap.
const BitmapSize = 256

// Bitmap is a fixed-size set of interrupt or system call numbers.
type Bitmap [BitmapSize / 32]uint32

// Set adds n to the set.
func (b *Bitmap) Set(n uint32) {
	if n < BitmapSize {
		b[n>>5] |= 1 << (n & 31)
	}
}

// Clear removes n from the set.
func (b *Bitmap) Clear(n uint32) {
	if n < BitmapSize {
		b[n>>5] &^= 1 << (n & 31)
	}
}

// IsSet returns true if n is a member of the set.
func (b *Bitmap) IsSet(n uint32) bool {
	return n < BitmapSize && b[n>>5]&(1<<(n&31)) != 0
}

// userStackBase is the virtual address where the user stacks of a user
// mode process are mapped.
const userStackBase = uintptr(0x40000000)

var (
	errOutOfMemory = &kernel.Error{Module: "proc", Message: "out of memory"}
)

// Message is a two-word message exchanged between processes.
type Message struct {
	From  uint32
	Word1 uint32
	Word2 uint32
}

// PageOffer describes a set of pages offered to a process.
type PageOffer struct {
	From   uint32
	Frames []mm.Frame
}

// Process owns a memory layout and a list of threads.
type Process struct {
	ID       uint32
	Name     string
	UserMode bool
	Priority Priority
	Layout   *MemoryLayout
	Threads  []*Thread

	// ISRs, IRQs and Syscalls list the interrupt, IRQ and system call
	// numbers handled by this process.
	ISRs     Bitmap
	IRQs     Bitmap
	Syscalls Bitmap

	// The Switch flags request that the process layout is loaded while
	// its handlers run.
	SwitchForISRs     bool
	SwitchForIRQs     bool
	SwitchForSyscalls bool

	Messages []Message
	Offers   []PageOffer

	registered    bool
	nextThreadID  uint32
	nextStackPage mm.Page
	mgr           *Manager
}

// Registered returns true if the process has been registered with the
// process manager and the scheduler.
func (p *Process) Registered() bool {
	return p.registered
}

// Thread returns the thread with the given id or nil.
func (p *Process) Thread(id uint32) *Thread {
	for _, t := range p.Threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Suspend sets the suspend flag of all process threads.
func (p *Process) Suspend() {
	p.setSuspended(true)
}

// Resume clears the suspend flag of all process threads.
func (p *Process) Resume() {
	p.setSuspended(false)
}

func (p *Process) setSuspended(suspend bool) {
	for _, t := range p.Threads {
		t.Suspend = suspend
		p.mgr.updateList(t)
	}
}

// SwitchFromLayout installs the process layout in place of oldLayout.
func (p *Process) SwitchFromLayout(oldLayout *MemoryLayout) *kernel.Error {
	return p.Layout.Load(p.mgr.pager, oldLayout)
}

// CreateThread creates a thread that starts executing at startPoint. The
// supplied arguments are pushed onto the new thread's stack so that the
// first argument ends up at the lowest address.
//
// The layout of the process is merged into the active layout while the
// thread stacks are set up.
func (p *Process) CreateThread(startPoint uint32, name string, args ...uint32) (*Thread, *kernel.Error) {
	m := p.mgr

	if current := m.current; current != nil && current != p {
		if err := current.Layout.Merge(p.Layout, m.pager); err != nil {
			return nil, err
		}
		defer func() { _ = current.Layout.Unmerge(p.Layout, m.pager) }()
	}

	stackSize := m.stackSize.RoundUp(mem.Size(mm.PageSize))

	kernelStack := m.heap.AllocateZeroed(stackSize, mem.Size(mm.PageSize))
	if kernelStack == 0 {
		return nil, errOutOfMemory
	}

	userStack := m.heap.AllocateZeroed(stackSize, mem.Size(mm.PageSize))
	if userStack == 0 {
		m.heap.Free(kernelStack)
		return nil, errOutOfMemory
	}

	p.nextThreadID++
	t := &Thread{
		ID:          p.nextThreadID,
		Name:        name,
		Owner:       p,
		kernelStack: kernelStack,
		userStack:   userStack,
	}

	pageCount := mm.Page(stackSize >> mm.PageShift)

	// Kernel stacks are identity-mapped and visible to the kernel process
	for index := mm.Page(0); index < pageCount; index++ {
		t.addStackPage(mm.PageFromAddress(kernelStack)+index, mm.FrameFromAddress(kernelStack)+mm.Frame(index), KernelPage)
	}

	userStackVirt := userStack
	if p.UserMode {
		if p.nextStackPage == 0 {
			p.nextStackPage = mm.PageFromAddress(userStackBase)
		}
		userStackVirt = p.nextStackPage.Address()
		for index := mm.Page(0); index < pageCount; index++ {
			t.addStackPage(p.nextStackPage+index, mm.FrameFromAddress(userStack)+mm.Frame(index), DataPage)
		}
		p.nextStackPage += pageCount
	} else {
		for index := mm.Page(0); index < pageCount; index++ {
			t.addStackPage(mm.PageFromAddress(userStack)+index, mm.FrameFromAddress(userStack)+mm.Frame(index), KernelPage)
		}
	}

	// Push the arguments onto the stack
	esp := userStackVirt + uintptr(stackSize) - mem.WordSize
	for index := len(args) - 1; index >= 0; index-- {
		esp -= mem.WordSize
		m.mem.PutUint32(userStack+(esp-userStackVirt), args[index])
	}

	t.State = ThreadState{
		KernelMode:     !p.UserMode,
		KernelStackTop: uint32(kernelStack + uintptr(stackSize) - mem.WordSize),
		UserStackTop:   uint32(esp),
		StartEIP:       startPoint,
	}
	t.State.Registers.EIP = startPoint
	t.State.Registers.ESP = uint32(esp)

	for _, sp := range t.stackPages {
		if err := m.registerPage(p, sp); err != nil {
			m.releaseStacks(t)
			return nil, err
		}
	}

	p.Threads = append(p.Threads, t)
	if p.registered && m.sched != nil {
		m.sched.InitThread(p, t)
	}

	return t, nil
}

func (t *Thread) addStackPage(page mm.Page, frame mm.Frame, kind PageKind) {
	t.stackPages = append(t.stackPages, stackPage{page: page, frame: frame, kind: kind})
}
