package main

import (
	"kcore/kernel/cpu"
	"kcore/kernel/hal/multiboot"
	"kcore/kernel/kmain"
	"kcore/kernel/mem"
)

const (
	memorySize    = 16 * mem.Mb
	multibootAddr = uintptr(0x10000)
	kernelStart   = uintptr(mem.Mb)
	kernelEnd     = uintptr(mem.Mb + 512*mem.Kb)
)

var cmdLine = "heap.chunk=16 sched.tick=10"

// main boots the kernel core on an emulated machine. The memory map and the
// command line are handed over through a multiboot information structure
// the same way a boot loader would.
func main() {
	m := mem.New(memorySize)
	multiboot.Write(m, multibootAddr, cmdLine, []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x60400, Type: multiboot.MemReserved},
		{PhysAddress: uint64(mem.Mb), Length: uint64(memorySize - mem.Mb), Type: multiboot.MemAvailable},
	})

	kmain.Kmain(kmain.Machine{
		Memory:        m,
		CPU:           cpu.NewEmulated(),
		MultibootInfo: multibootAddr,
		KernelStart:   kernelStart,
		KernelEnd:     kernelEnd,
	})
}
