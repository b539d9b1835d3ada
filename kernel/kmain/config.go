package kmain

import (
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm/vmm"
	"kcore/kernel/sched"
	"strconv"
)

// Region describes a physical memory region handed to the heap.
type Region struct {
	Addr uintptr
	Size mem.Size
}

// Config collects the tunables of the kernel core.
type Config struct {
	// HeapChunkSize is the allocation granularity of every heap block.
	HeapChunkSize mem.Size

	// HeapRegions overrides the regions derived from the boot memory map.
	HeapRegions []Region

	// MinHeapRegion is the smallest memory map region turned into a heap
	// block.
	MinHeapRegion mem.Size

	// StackSize is the size of each kernel and user thread stack.
	StackSize mem.Size

	// SemaphoreSlots is the capacity of the semaphore table.
	SemaphoreSlots int

	// TickMs is the timer period and SliceMs the time slice granted per
	// priority level.
	TickMs  int32
	SliceMs int32

	// TimerIRQ is the IRQ line driven by the system timer.
	TimerIRQ uint8

	// ProcessSwitching allows handlers to run inside their own process.
	ProcessSwitching bool

	// GC enables the garbage collector at boot.
	GC bool

	// BootTables holds the physical addresses of the page tables built at
	// boot. They must be located in the first MiB.
	BootTables vmm.BootTables
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() Config {
	return Config{
		HeapChunkSize:    16,
		MinHeapRegion:    64 * mem.Kb,
		StackSize:        4 * mem.Kb,
		SemaphoreSlots:   256,
		TickMs:           10,
		SliceMs:          sched.DefaultSliceMs,
		TimerIRQ:         0,
		ProcessSwitching: true,
		GC:               true,
		BootTables: vmm.BootTables{
			Directory: 0x90000,
			Identity:  0x91000,
			Kernel:    0x92000,
		},
	}
}

// applyCmdLine overrides the configuration with the key/value pairs passed
// on the kernel command line. Unknown keys are ignored and malformed values
// keep their defaults.
func (cfg *Config) applyCmdLine(kv map[string]string) {
	for key, value := range kv {
		switch key {
		case "heap.chunk":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil && n >= 8 && n&(n-1) == 0 {
				cfg.HeapChunkSize = mem.Size(n)
				continue
			}
		case "sched.tick":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil && n > 0 {
				cfg.TickMs = int32(n)
				continue
			}
		case "irq.switch":
			if enabled, ok := parseSwitch(value); ok {
				cfg.ProcessSwitching = enabled
				continue
			}
		case "gc":
			if enabled, ok := parseSwitch(value); ok {
				cfg.GC = enabled
				continue
			}
		default:
			continue
		}

		kfmt.Printf("[kmain] ignoring invalid value \"%s\" for %s\n", value, key)
	}
}

func parseSwitch(value string) (bool, bool) {
	switch value {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}
