package multiboot

import "kcore/kernel/mem"

// Write encodes an information structure with the supplied command line and
// memory map at addr and returns its size. Emulated machines use it to hand
// boot information to the kernel the way a boot loader would.
func Write(m *mem.Memory, addr uintptr, cmdLine string, regions []MemoryMapEntry) mem.Size {
	curPtr := addr + infoHeaderSize

	if cmdLine != "" {
		size := tagHeaderSize + uintptr(len(cmdLine)) + 1
		m.PutUint32(curPtr, uint32(tagBootCmdLine))
		m.PutUint32(curPtr+4, uint32(size))
		copy(m.Bytes(curPtr+tagHeaderSize, mem.Size(len(cmdLine))), cmdLine)
		m.PutUint8(curPtr+tagHeaderSize+uintptr(len(cmdLine)), 0)
		curPtr += align(size)
	}

	if len(regions) != 0 {
		size := tagHeaderSize + mmapHeaderSize + uintptr(len(regions))*mmapEntrySize
		m.PutUint32(curPtr, uint32(tagMemoryMap))
		m.PutUint32(curPtr+4, uint32(size))
		m.PutUint32(curPtr+8, uint32(mmapEntrySize))
		m.PutUint32(curPtr+12, 0)

		entryPtr := curPtr + tagHeaderSize + mmapHeaderSize
		for _, region := range regions {
			m.PutUint32(entryPtr, uint32(region.PhysAddress))
			m.PutUint32(entryPtr+4, uint32(region.PhysAddress>>32))
			m.PutUint32(entryPtr+8, uint32(region.Length))
			m.PutUint32(entryPtr+12, uint32(region.Length>>32))
			m.PutUint32(entryPtr+16, uint32(region.Type))
			m.PutUint32(entryPtr+20, 0)
			entryPtr += mmapEntrySize
		}
		curPtr += align(size)
	}

	// Terminating tag
	m.PutUint32(curPtr, uint32(tagMbSectionEnd))
	m.PutUint32(curPtr+4, uint32(tagHeaderSize))
	curPtr += tagHeaderSize

	total := curPtr - addr
	m.PutUint32(addr, uint32(total))
	m.PutUint32(addr+4, 0)
	return mem.Size(total)
}

func align(size uintptr) uintptr {
	return (size + tagAlignment - 1) &^ (tagAlignment - 1)
}
