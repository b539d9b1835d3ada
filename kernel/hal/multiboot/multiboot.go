// Package multiboot reads the multiboot2 information structure that the boot
// loader leaves in physical memory.
package multiboot

import (
	"kcore/kernel/mem"
	"strings"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the total size and reserved words that
	// precede the first tag.
	infoHeaderSize = uintptr(8)

	// tagHeaderSize is the size of the type and size words of each tag.
	tagHeaderSize = uintptr(8)

	// mmapHeaderSize is the size of the entry size and version words that
	// precede the memory map entries.
	mmapHeaderSize = uintptr(8)

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = uintptr(24)

	tagAlignment = uintptr(8)
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Info provides access to a multiboot information structure.
type Info struct {
	mem  *mem.Memory
	addr uintptr
}

// New returns an Info for the structure located at physical address addr.
func New(m *mem.Memory, addr uintptr) *Info {
	return &Info{mem: m, addr: addr}
}

// Address returns the physical address of the information structure.
func (i *Info) Address() uintptr {
	return i.addr
}

// Size returns the total size of the information structure in bytes.
func (i *Info) Size() mem.Size {
	if i.addr == 0 {
		return 0
	}
	return mem.Size(i.mem.Uint32(i.addr))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := i.findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	entrySize := uintptr(i.mem.Uint32(curPtr))
	if entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	curPtr += mmapHeaderSize

	var entry MemoryMapEntry
	for ; curPtr+mmapEntrySize <= endPtr; curPtr += entrySize {
		entry.PhysAddress = uint64(i.mem.Uint32(curPtr)) | uint64(i.mem.Uint32(curPtr+4))<<32
		entry.Length = uint64(i.mem.Uint32(curPtr+8)) | uint64(i.mem.Uint32(curPtr+12))<<32
		entry.Type = MemoryEntryType(i.mem.Uint32(curPtr + 16))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// CmdLine returns the raw command line passed to the kernel.
func (i *Info) CmdLine() string {
	return i.stringTag(tagBootCmdLine)
}

// BootLoaderName returns the name of the boot loader.
func (i *Info) BootLoaderName() string {
	return i.stringTag(tagBootLoaderName)
}

// GetBootCmdLine returns the key/value pairs passed on the kernel command
// line. Tokens without a '=' are returned with an empty value.
func (i *Info) GetBootCmdLine() map[string]string {
	kv := make(map[string]string)
	for _, token := range strings.Fields(i.CmdLine()) {
		if index := strings.IndexByte(token, '='); index >= 0 {
			kv[token[:index]] = token[index+1:]
			continue
		}
		kv[token] = ""
	}
	return kv
}

// stringTag returns the NUL-terminated string stored in a tag.
func (i *Info) stringTag(tag tagType) string {
	curPtr, size := i.findTagByType(tag)
	if size == 0 {
		return ""
	}

	data := i.mem.Bytes(curPtr, mem.Size(size))
	if index := strings.IndexByte(string(data), 0); index >= 0 {
		data = data[:index]
	}
	return string(data)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func (i *Info) findTagByType(tag tagType) (uintptr, uint32) {
	if i.addr == 0 {
		return 0, 0
	}

	endPtr := i.addr + uintptr(i.mem.Uint32(i.addr))
	for curPtr := i.addr + infoHeaderSize; curPtr+tagHeaderSize <= endPtr; {
		curType, curSize := tagType(i.mem.Uint32(curPtr)), uintptr(i.mem.Uint32(curPtr+4))
		if curType == tagMbSectionEnd || curSize < tagHeaderSize {
			break
		}

		if curType == tag {
			return curPtr + tagHeaderSize, uint32(curSize - tagHeaderSize)
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += (curSize + tagAlignment - 1) &^ (tagAlignment - 1)
	}

	return 0, 0
}
