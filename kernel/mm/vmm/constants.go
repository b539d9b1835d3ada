package vmm

import "kcore/kernel/mem"

const (
	// pageLevels indicates the number of page levels supported by 32-bit
	// x86 without PAE.
	pageLevels = 2

	// entriesPerTable is the number of 32-bit entries in a page directory
	// or page table.
	entriesPerTable = 1024

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-31 contain the
	// physical memory address.
	ptePhysPageMask = uintptr(0xfffff000)

	// addrMask truncates host-width arithmetic to the 32-bit address space.
	addrMask = uintptr(0xffffffff)

	// SelfMapIndex is the directory slot that points back at the directory
	// itself.
	SelfMapIndex = entriesPerTable - 1

	// selfMapBase is the virtual address where the self-mapped directory
	// slot exposes all page tables. The table for directory entry i lives
	// at selfMapBase + i*PageSize.
	selfMapBase = uintptr(SelfMapIndex) << 22

	// pdtVirtualAddr is the virtual address of the page directory itself.
	// Setting both table index fields to SelfMapIndex makes the MMU follow
	// the self-map entry twice landing on the directory.
	pdtVirtualAddr = selfMapBase | uintptr(SelfMapIndex)<<12

	// IdentityMapSize is the size of the low memory region that is
	// identity-mapped when paging is loaded.
	IdentityMapSize = mem.Mb

	// DirectoryEntrySpan is the amount of virtual memory covered by a
	// single directory entry.
	DirectoryEntrySpan = 4 * mem.Mb
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when a directory entry maps a 4Mb page instead
	// of pointing to a page table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)
