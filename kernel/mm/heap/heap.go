// Package heap implements the kernel's chunked bitmap block allocator.
//
// The allocator manages one or more contiguous physical memory blocks. Each
// block is split into fixed-size chunks and starts with a header followed by
// a bitmap that stores one allocation id byte per chunk. A zero byte marks a
// free chunk. All chunks of an allocation carry the same non-zero id and that
// id always differs from the ids of the chunks immediately before and after
// the allocation. This allows Free to recover the exact extent of an
// allocation by scanning for adjacent chunks with the same id without keeping
// any per-allocation bookkeeping.
package heap

import (
	"kcore/kernel"
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm"
)

// Block header layout. All fields are 32-bit words stored in physical
// memory at the block's base address.
const (
	offNext      = 0
	offSize      = 4
	offUsed      = 8
	offChunkSize = 12
	offCursor    = 16

	// headerSize is padded so that chunk addresses keep the alignment of
	// the block base address for common chunk sizes.
	headerSize = uintptr(32)

	// reservedID tags the chunks that store the block bitmap.
	reservedID = uint8(5)
)

var (
	errOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}
)

// Stats summarizes the state of all registered blocks.
type Stats struct {
	// Blocks is the number of registered blocks.
	Blocks int

	// Total is the number of bytes available for chunks across all blocks.
	Total mem.Size

	// Used is the number of bytes held by allocated or reserved chunks.
	Used mem.Size
}

// Free returns the number of bytes not held by any allocation.
func (s Stats) Free() mem.Size {
	return s.Total - s.Used
}

// Heap is a bitmap block allocator. The zero value is not usable; use New.
type Heap struct {
	mem *mem.Memory

	// head points to the most recently registered block.
	head uintptr

	// preventAllocation is set while the kernel runs a critical handler.
	preventAllocation bool
}

// New returns a heap that manages blocks located in the supplied physical
// memory.
func New(m *mem.Memory) *Heap {
	return &Heap{mem: m}
}

// Memory returns the physical memory managed by the heap.
func (h *Heap) Memory() *mem.Memory {
	return h.mem
}

// PreventAllocation sets the allocation-prevention flag and returns its
// previous value so that callers can restore it when they are done. While
// the flag is set every allocation request fails.
func (h *Heap) PreventAllocation(prevent bool) bool {
	prev := h.preventAllocation
	h.preventAllocation = prevent
	return prev
}

// AllocationPrevented returns true if the allocation-prevention flag is set.
func (h *Heap) AllocationPrevented() bool {
	return h.preventAllocation
}

// RegisterBlock initializes a heap block of the given size at addr using
// chunks of chunkSize bytes and prepends it to the block list. The leading
// chunks of the block are reserved for storing the block bitmap.
//
// The caller must guarantee that the region [addr, addr+size) is unused,
// that addr is not zero and that size can hold at least the block header.
func (h *Heap) RegisterBlock(addr uintptr, size, chunkSize mem.Size) {
	var (
		dataSize   = uintptr(size) - headerSize
		bsize      = uintptr(chunkSize)
		chunkCount = dataSize / bsize
		bitmap     = addr + headerSize
	)

	h.mem.Memset(bitmap, 0, mem.Size(chunkCount))

	// Reserve enough chunks to hold the bitmap itself
	reserved := (chunkCount + bsize - 1) / bsize
	for index := uintptr(0); index < reserved; index++ {
		h.mem.PutUint8(bitmap+index, reservedID)
	}

	h.mem.PutUint32(addr+offNext, uint32(h.head))
	h.mem.PutUint32(addr+offSize, uint32(dataSize))
	h.mem.PutUint32(addr+offUsed, uint32(reserved))
	h.mem.PutUint32(addr+offChunkSize, uint32(bsize))
	h.mem.PutUint32(addr+offCursor, uint32(reserved-1))

	h.head = addr
}

// Allocate reserves size bytes and returns the address of the allocation
// rounded up to the requested alignment which must be a power of two. To
// guarantee the alignment, Allocate over-requests alignment-1 bytes.
//
// Allocate returns 0 if no block can satisfy the request or if allocations
// are currently prevented. Callers must always check the returned address.
func (h *Heap) Allocate(size, alignment mem.Size) uintptr {
	if h.preventAllocation {
		kfmt.Printf("[heap] allocation prevented: requested %d bytes\n", uint64(size))
		return 0
	}

	if alignment == 0 {
		alignment = 1
	}

	ptr := h.allocate(uintptr(size + alignment - 1))
	if ptr == 0 {
		kfmt.Printf("[heap] out of memory: requested %d bytes\n", uint64(size))
		return 0
	}

	return (ptr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}

// AllocateZeroed behaves like Allocate and additionally clears the first size
// bytes of the allocation.
func (h *Heap) AllocateZeroed(size, alignment mem.Size) uintptr {
	ptr := h.Allocate(size, alignment)
	if ptr != 0 {
		h.mem.Memset(ptr, 0, size)
	}
	return ptr
}

func (h *Heap) allocate(size uintptr) uintptr {
	for block := h.head; block != 0; block = uintptr(h.mem.Uint32(block + offNext)) {
		var (
			dataSize = uintptr(h.mem.Uint32(block + offSize))
			used     = uintptr(h.mem.Uint32(block + offUsed))
			bsize    = uintptr(h.mem.Uint32(block + offChunkSize))
		)

		// Skip blocks that cannot possibly hold the request
		if dataSize-used*bsize < size {
			continue
		}

		var (
			chunkCount = dataSize / bsize
			needed     = (size + bsize - 1) / bsize
			bitmap     = block + headerSize
			index      = uintptr(h.mem.Uint32(block+offCursor)) + 1
		)

		if needed == 0 {
			needed = 1
		}

		// Scan starting just after the cursor and wrap around.
		for scanned := uintptr(0); scanned < chunkCount; {
			if index >= chunkCount {
				index = 0
			}

			if h.mem.Uint8(bitmap+index) != 0 {
				index++
				scanned++
				continue
			}

			run := uintptr(0)
			for run < needed && index+run < chunkCount && h.mem.Uint8(bitmap+index+run) == 0 {
				run++
			}

			if run < needed {
				index += run
				scanned += run
				continue
			}

			var prevID, nextID uint8
			if index > 0 {
				prevID = h.mem.Uint8(bitmap + index - 1)
			}
			if index+needed < chunkCount {
				nextID = h.mem.Uint8(bitmap + index + needed)
			}

			id := allocationID(prevID, nextID)
			for offset := uintptr(0); offset < needed; offset++ {
				h.mem.PutUint8(bitmap+index+offset, id)
			}

			// The cursor points at the second-to-last chunk of the
			// allocation; the next scan starts at its last chunk.
			h.mem.PutUint32(block+offCursor, uint32(index+needed-2))
			h.mem.PutUint32(block+offUsed, uint32(used+needed))

			return bitmap + index*bsize
		}
	}

	return 0
}

// allocationID returns a non-zero id that differs from the ids of both
// neighboring chunks.
func allocationID(prevID, nextID uint8) uint8 {
	id := prevID + 1
	for id == nextID || id == 0 {
		id++
	}
	return id
}

// Free releases the allocation that contains ptr. Pointers that do not
// belong to any registered block, point to free chunks or point inside the
// block bitmap are silently ignored.
func (h *Heap) Free(ptr uintptr) {
	for block := h.head; block != 0; block = uintptr(h.mem.Uint32(block + offNext)) {
		var (
			dataSize  = uintptr(h.mem.Uint32(block + offSize))
			dataStart = block + headerSize
		)

		if ptr < dataStart || ptr >= dataStart+dataSize {
			continue
		}

		var (
			bsize      = uintptr(h.mem.Uint32(block + offChunkSize))
			chunkCount = dataSize / bsize
			reserved   = (chunkCount + bsize - 1) / bsize
			bitmap     = dataStart
			index      = (ptr - dataStart) / bsize
		)

		if index >= chunkCount || index < reserved {
			return
		}

		id := h.mem.Uint8(bitmap + index)
		if id == 0 {
			return
		}

		// Aligned pointers may land past the first chunk of the
		// allocation so the run is recovered in both directions.
		first, last := index, index
		for first > reserved && h.mem.Uint8(bitmap+first-1) == id {
			first--
		}
		for last+1 < chunkCount && h.mem.Uint8(bitmap+last+1) == id {
			last++
		}

		for chunk := first; chunk <= last; chunk++ {
			h.mem.PutUint8(bitmap+chunk, 0)
		}

		used := uintptr(h.mem.Uint32(block + offUsed))
		h.mem.PutUint32(block+offUsed, uint32(used-(last-first+1)))
		return
	}
}

// Stats returns a summary of the heap state.
func (h *Heap) Stats() Stats {
	var stats Stats
	for block := h.head; block != 0; block = uintptr(h.mem.Uint32(block + offNext)) {
		bsize := mem.Size(h.mem.Uint32(block + offChunkSize))
		stats.Blocks++
		stats.Total += (mem.Size(h.mem.Uint32(block+offSize)) / bsize) * bsize
		stats.Used += mem.Size(h.mem.Uint32(block+offUsed)) * bsize
	}
	return stats
}

// FrameAllocator returns a frame allocator that hands out zeroed,
// page-aligned frames carved out of the heap.
func FrameAllocator(h *Heap) mm.FrameAllocatorFn {
	return func() (mm.Frame, *kernel.Error) {
		addr := h.AllocateZeroed(mem.Size(mm.PageSize), mem.Size(mm.PageSize))
		if addr == 0 {
			return mm.InvalidFrame, errOutOfMemory
		}
		return mm.FrameFromAddress(addr), nil
	}
}

// FrameReleaser returns a function that hands frames obtained via
// FrameAllocator back to the heap.
func FrameReleaser(h *Heap) mm.FrameReleaserFn {
	return func(frame mm.Frame) {
		h.Free(frame.Address())
	}
}
