// Package vmm manages the two-level x86 page tables. The last page directory
// entry points back at the directory so that, once the tables are loaded,
// every directory and table entry can be edited through a fixed virtual
// address window.
package vmm

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm"
)

var (
	// ErrKernelSpansDirectoryEntries is returned by InitKernelPages when
	// the kernel image does not fit in the region covered by a single
	// directory entry.
	ErrKernelSpansDirectoryEntries = &kernel.Error{Module: "vmm", Message: "kernel image spans more than one page directory entry"}

	errInvalidBootTables  = &kernel.Error{Module: "vmm", Message: "boot page tables must be page-aligned and reside in physical memory"}
	errInvalidKernelImage = &kernel.Error{Module: "vmm", Message: "invalid kernel image bounds"}
	errPagingNotLoaded    = &kernel.Error{Module: "vmm", Message: "page tables have not been loaded"}
	errKernelPagesMissing = &kernel.Error{Module: "vmm", Message: "kernel pages have not been mapped"}
	errNoFrameAllocator   = &kernel.Error{Module: "vmm", Message: "no frame allocator registered"}
	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errSelfMapReserved    = &kernel.Error{Module: "vmm", Message: "virtual address overlaps the page table self-map window"}
)

// BootTables lists the physical addresses of the page-aligned frames used
// for the tables built at boot.
type BootTables struct {
	// Directory holds the page directory.
	Directory uintptr

	// Identity holds the page table that identity-maps low memory.
	Identity uintptr

	// Kernel holds the page table for the kernel image. It is left unused
	// when the kernel image shares the first directory entry with the
	// identity mapping.
	Kernel uintptr
}

// PageDirectory describes the page directory and page tables of the kernel.
type PageDirectory struct {
	mem    *mem.Memory
	cpu    cpu.CPU
	tables BootTables

	allocFrameFn mm.FrameAllocatorFn

	loaded       bool
	kernelLoaded bool
}

// New returns a page directory that stores its tables in physical memory m
// at the supplied boot table addresses.
func New(m *mem.Memory, c cpu.CPU, tables BootTables) *PageDirectory {
	return &PageDirectory{mem: m, cpu: c, tables: tables}
}

// SetFrameAllocator registers the allocator used for page tables created on
// demand by Map.
func (pd *PageDirectory) SetFrameAllocator(fn mm.FrameAllocatorFn) {
	pd.allocFrameFn = fn
}

// Address returns the physical address of the page directory.
func (pd *PageDirectory) Address() uintptr {
	return pd.tables.Directory
}

// Loaded returns true if both LoadPaging and InitKernelPages succeeded.
func (pd *PageDirectory) Loaded() bool {
	return pd.loaded && pd.kernelLoaded
}

// LoadPaging clears the page directory, installs the self-map entry in its
// last slot and identity-maps the first IdentityMapSize bytes of physical
// memory through the identity table.
func (pd *PageDirectory) LoadPaging() *kernel.Error {
	if !pd.validTable(pd.tables.Directory) || !pd.validTable(pd.tables.Identity) {
		return errInvalidBootTables
	}

	pd.mem.Memset(pd.tables.Directory, 0, mem.Size(mm.PageSize))
	pd.mem.Memset(pd.tables.Identity, 0, mem.Size(mm.PageSize))

	pd.setEntry(pd.tables.Directory, SelfMapIndex, mm.FrameFromAddress(pd.tables.Directory), FlagPresent|FlagRW)

	for index := uintptr(0); index < uintptr(IdentityMapSize)>>mm.PageShift; index++ {
		pd.setEntry(pd.tables.Identity, index, mm.Frame(index), FlagPresent|FlagRW)
	}
	pd.setEntry(pd.tables.Directory, 0, mm.FrameFromAddress(pd.tables.Identity), FlagPresent|FlagRW)

	pd.loaded = true
	return nil
}

// InitKernelPages identity-maps the kernel image occupying the physical
// range [kernelStart, kernelEnd). The image must fit in the region covered by
// a single directory entry; otherwise ErrKernelSpansDirectoryEntries is
// returned. An image inside the first directory entry is mapped through the
// identity table.
func (pd *PageDirectory) InitKernelPages(kernelStart, kernelEnd uintptr) *kernel.Error {
	if !pd.loaded {
		return errPagingNotLoaded
	}

	if kernelEnd <= kernelStart {
		return errInvalidKernelImage
	}

	var (
		dirIndex     = kernelStart >> pageLevelShifts[0]
		lastDirIndex = (kernelEnd - 1) >> pageLevelShifts[0]
		table        = pd.tables.Identity
	)

	if dirIndex != lastDirIndex {
		kfmt.Printf("[vmm] kernel image [0x%x, 0x%x) spans directory entries %d-%d\n", kernelStart, kernelEnd, dirIndex, lastDirIndex)
		return ErrKernelSpansDirectoryEntries
	}

	if dirIndex == SelfMapIndex {
		return errSelfMapReserved
	}

	if dirIndex != 0 {
		if !pd.validTable(pd.tables.Kernel) {
			return errInvalidBootTables
		}

		table = pd.tables.Kernel
		pd.mem.Memset(table, 0, mem.Size(mm.PageSize))
		pd.setEntry(pd.tables.Directory, dirIndex, mm.FrameFromAddress(table), FlagPresent|FlagRW)
	}

	lastPage := mm.PageFromAddress(kernelEnd - 1)
	for page := mm.PageFromAddress(kernelStart); page <= lastPage; page++ {
		pd.setEntry(table, uintptr(page)&(entriesPerTable-1), mm.Frame(page), FlagPresent|FlagRW)
	}

	pd.kernelLoaded = true
	return nil
}

// EnablePaging activates the page directory. It fails unless both
// LoadPaging and InitKernelPages have succeeded.
func (pd *PageDirectory) EnablePaging() *kernel.Error {
	switch {
	case !pd.loaded:
		return errPagingNotLoaded
	case !pd.kernelLoaded:
		return errKernelPagesMissing
	}

	pd.cpu.EnablePaging(pd.tables.Directory)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated using the registered frame
// allocator and cleared through the self-map window.
func (pd *PageDirectory) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !pd.loaded {
		return errPagingNotLoaded
	}

	if page.Address()>>pageLevelShifts[0] == SelfMapIndex {
		return errSelfMapReserved
	}

	var err *kernel.Error

	pd.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			pd.cpu.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			if pd.allocFrameFn == nil {
				err = errNoFrameAllocator
				return false
			}

			var newTableFrame mm.Frame
			if newTableFrame, err = pd.allocFrameFn(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The new table is now reachable through the self-map
			tableVirtAddr := selfMapBase + (page.Address()>>pageLevelShifts[0])<<mm.PageShift
			tableAddr, _ := pd.physAddr(tableVirtAddr)
			pd.mem.Memset(tableAddr, 0, mem.Size(mm.PageSize))
		}

		return true
	})

	return err
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (pd *PageDirectory) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(mm.PageCount(size))

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := pd.Map(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (pd *PageDirectory) Unmap(page mm.Page) *kernel.Error {
	if !pd.loaded {
		return errPagingNotLoaded
	}

	var err *kernel.Error

	pd.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			pd.cpu.FlushTLBEntry(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pd *PageDirectory) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !pd.loaded {
		return 0, errPagingNotLoaded
	}

	pte, err := pd.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (pd *PageDirectory) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   = ErrInvalidMapping
		entry *pageTableEntry
	)

	pd.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			entry, err = pte, nil
		}
		return true
	})

	return entry, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

func (pd *PageDirectory) validTable(addr uintptr) bool {
	return addr != 0 && addr&(mm.PageSize-1) == 0 && pd.mem.Contains(addr, mem.Size(mm.PageSize))
}

// setEntry writes a table entry using its physical address. It is used
// while building the boot tables before the self-map is in place.
func (pd *PageDirectory) setEntry(table, index uintptr, frame mm.Frame, flags PageTableEntryFlag) {
	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	pd.mem.PutUint32(table+(index<<mm.PointerShift), uint32(pte))
}
