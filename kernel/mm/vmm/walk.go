package vmm

import "kcore/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
//
// All entries are reached through the self-mapped directory slot so walk
// only works once LoadPaging has installed it.
func (pd *PageDirectory) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		pte                              *pageTableEntry
	)

	// tableAddr is initially set to the self-mapped virtual address of the
	// page directory.
	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if pte = pd.entryAt(entryAddr); pte == nil || !walkFn(level, pte) {
			return
		}

		// Shift left by the number of bits for this paging level to get
		// the virtual address of the table pointed to by entryAddr
		entryAddr = (entryAddr << pageLevelBits[level]) & addrMask
	}
}

// entryAt returns a pointer to the page table entry located at the supplied
// virtual address or nil if the address is not backed by physical memory.
func (pd *PageDirectory) entryAt(entryAddr uintptr) *pageTableEntry {
	physAddr, ok := pd.physAddr(entryAddr)
	if !ok || !pd.mem.Contains(physAddr, 4) {
		return nil
	}

	return (*pageTableEntry)(pd.mem.Pointer(physAddr))
}

// physAddr translates virtAddr the way the MMU does by following the
// directory entry and the table entry that correspond to it.
func (pd *PageDirectory) physAddr(virtAddr uintptr) (uintptr, bool) {
	tableAddr := pd.tables.Directory
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := tableAddr + (((virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)) << mm.PointerShift)
		if !pd.mem.Contains(entryAddr, 4) {
			return 0, false
		}

		pte := pageTableEntry(pd.mem.Uint32(entryAddr))
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return 0, false
		}

		tableAddr = pte.Frame().Address()
	}

	return tableAddr + PageOffset(virtAddr), true
}
