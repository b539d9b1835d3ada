// Package kmain boots the kernel core and owns the kernel context that ties
// all subsystems together.
package kmain

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/gc"
	"kcore/kernel/hal/multiboot"
	"kcore/kernel/irq"
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm"
	"kcore/kernel/mm/heap"
	"kcore/kernel/mm/vmm"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
	"kcore/kernel/sync"
)

// lowMemoryLimit marks the end of the region reserved for the BIOS, the boot
// tables and the multiboot information.
const lowMemoryLimit = uint64(mem.Mb)

const linesPerPIC = 8

var (
	// panicFn and haltFn are mocked by tests.
	panicFn = kfmt.Panic
	haltFn  = func() {}

	// idleFn runs the kernel once booted.
	idleFn = (*Kernel).Idle

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoHeapMemory  = &kernel.Error{Module: "kmain", Message: "no memory available for the kernel heap"}
)

// Machine describes the state handed over by the boot stub.
type Machine struct {
	Memory *mem.Memory
	CPU    cpu.CPU

	// MultibootInfo is the physical address of the boot information.
	MultibootInfo uintptr

	// KernelStart and KernelEnd delimit the kernel image.
	KernelStart uintptr
	KernelEnd   uintptr
}

// Kernel owns one instance of every subsystem. Independent kernels can be
// booted side by side.
type Kernel struct {
	Config   Config
	Memory   *mem.Memory
	CPU      cpu.CPU
	BootInfo *multiboot.Info

	Heap          *heap.Heap
	HeapRegions   []Region
	PageDirectory *vmm.PageDirectory
	GC            *gc.Collector
	Semaphores    *sync.SemaphoreTable
	Processes     *proc.Manager
	Scheduler     *sched.Scheduler
	Dispatcher    *irq.Dispatcher

	deferred      [maxDeferredCalls]deferredCall
	deferredCount int

	shutdown bool
}

// Kmain boots the kernel on machine with the default configuration and
// starts the idle loop. Boot failures are fatal.
//
// Kmain is not expected to return. If it does, the kernel panics.
func Kmain(machine Machine) {
	k, err := Boot(machine, DefaultConfig())
	if err != nil {
		panicFn(err)
		return
	}

	idleFn(k)

	panicFn(errKmainReturned)
}

// Boot initializes the heap, paging, the garbage collector, the process
// manager, the scheduler and the interrupt dispatcher in that order.
// Command line options found in the boot information override cfg.
func Boot(machine Machine, cfg Config) (*Kernel, *kernel.Error) {
	info := multiboot.New(machine.Memory, machine.MultibootInfo)
	cfg.applyCmdLine(info.GetBootCmdLine())

	k := &Kernel{
		Config:   cfg,
		Memory:   machine.Memory,
		CPU:      machine.CPU,
		BootInfo: info,
	}

	var err *kernel.Error
	if err = k.initHeap(machine); err != nil {
		return nil, err
	} else if err = k.initPaging(machine); err != nil {
		return nil, err
	} else if err = k.initTasking(); err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] kernel core initialized\n")
	return k, nil
}

func (k *Kernel) initHeap(machine Machine) *kernel.Error {
	k.HeapRegions = k.Config.HeapRegions
	if len(k.HeapRegions) == 0 {
		reserved := []Region{
			{Addr: machine.KernelStart, Size: mem.Size(machine.KernelEnd - machine.KernelStart)},
			{Addr: machine.MultibootInfo, Size: k.BootInfo.Size()},
		}
		k.HeapRegions = heapRegions(k.BootInfo, k.Memory.Size(), reserved, k.Config.MinHeapRegion)
	}

	if len(k.HeapRegions) == 0 {
		return errNoHeapMemory
	}

	k.Heap = heap.New(k.Memory)
	for _, region := range k.HeapRegions {
		k.Heap.RegisterBlock(region.Addr, region.Size, k.Config.HeapChunkSize)
		kfmt.Printf("[kmain] heap block at 0x%x (%d KiB, %d byte chunks)\n", region.Addr, uint64(region.Size/mem.Kb), uint64(k.Config.HeapChunkSize))
	}

	return nil
}

func (k *Kernel) initPaging(machine Machine) *kernel.Error {
	pd := vmm.New(k.Memory, k.CPU, k.Config.BootTables)
	pd.SetFrameAllocator(heap.FrameAllocator(k.Heap))

	var err *kernel.Error
	if err = pd.LoadPaging(); err != nil {
		return err
	} else if err = pd.InitKernelPages(machine.KernelStart, machine.KernelEnd); err != nil {
		return err
	}

	for _, region := range k.HeapRegions {
		if _, err = pd.IdentityMapRegion(mm.FrameFromAddress(region.Addr), uintptr(region.Size), vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}

	if err = pd.EnablePaging(); err != nil {
		return err
	}

	k.PageDirectory = pd
	return nil
}

func (k *Kernel) initTasking() *kernel.Error {
	k.GC = gc.New(k.Heap, gc.NewTypeTable())
	if !k.Config.GC {
		k.GC.Disable()
	}

	k.Semaphores = sync.NewSemaphoreTable(k.Config.SemaphoreSlots)
	k.Processes = proc.NewManager(k.Heap, k.PageDirectory, k.Semaphores, k.Config.StackSize)
	k.Scheduler = sched.New(k.Processes, k.Config.TickMs, k.Config.SliceMs)
	k.Scheduler.Init()

	kp, err := k.Processes.InitKernelProcess("kernel", proc.Normal)
	if err != nil {
		return err
	}

	k.Dispatcher = irq.NewDispatcher(k.CPU, k.Processes, k.Scheduler, k.Heap, k.GC)
	k.Dispatcher.SetProcessSwitching(k.Config.ProcessSwitching)

	pic := k.Dispatcher.PIC()
	pic.Remap(uint8(gate.IRQBase), uint8(gate.IRQBase)+linesPerPIC)
	pic.Unmask(k.Config.TimerIRQ)
	k.Dispatcher.SetTimer(k.Config.TimerIRQ, k.Scheduler.Start())

	for _, number := range kernelSyscalls {
		kp.Syscalls.Set(uint32(number))
	}
	if err = k.Dispatcher.RegisterSyscallHandler(kp, irq.SyscallHandlerFunc(k.handleSyscall)); err != nil {
		return err
	}

	k.CPU.EnableInterrupts()
	return nil
}

// Housekeeping services the work that cannot run inside an interrupt
// handler: deferred system calls and the garbage collector cleanup pass.
func (k *Kernel) Housekeeping() {
	k.RunDeferredSyscalls()
	k.GC.Cleanup()
}

// Idle runs housekeeping between interrupts until Shutdown is called.
func (k *Kernel) Idle() {
	for !k.shutdown {
		k.Housekeeping()
		haltFn()
	}
}

// Shutdown makes Idle return.
func (k *Kernel) Shutdown() {
	k.shutdown = true
}

// heapRegions returns the page-aligned parts of the available memory map
// regions that lie above the first MiB, inside physical memory and outside
// the reserved ranges.
func heapRegions(info *multiboot.Info, memSize mem.Size, reserved []Region, minSize mem.Size) []Region {
	var regions []Region

	info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		start, end := entry.PhysAddress, entry.PhysAddress+entry.Length
		if start < lowMemoryLimit {
			start = lowMemoryLimit
		}
		if end > uint64(memSize) {
			end = uint64(memSize)
		}

		carve(start, end, reserved, func(from, to uint64) {
			from = (from + uint64(mm.PageSize) - 1) &^ uint64(mm.PageSize-1)
			to &^= uint64(mm.PageSize - 1)
			if to > from && mem.Size(to-from) >= minSize {
				regions = append(regions, Region{Addr: uintptr(from), Size: mem.Size(to - from)})
			}
		})
		return true
	})

	return regions
}

// carve invokes fn for every part of [start, end) not covered by reserved.
func carve(start, end uint64, reserved []Region, fn func(from, to uint64)) {
	if start >= end {
		return
	}

	for index, r := range reserved {
		rStart, rEnd := uint64(r.Addr), uint64(r.Addr)+uint64(r.Size)
		if r.Size == 0 || rEnd <= start || rStart >= end {
			continue
		}

		carve(start, rStart, reserved[index+1:], fn)
		carve(rEnd, end, reserved[index+1:], fn)
		return
	}

	fn(start, end)
}
