// Package mem models the physical address space of the target machine.
package mem

import (
	"unsafe"
)

// Memory is a contiguous physical address space starting at address 0. All
// kernel subsystems read and write machine memory through a Memory value so
// that a kernel instance never aliases host pointers and several instances
// can coexist (e.g. in tests).
//
// Memory does not perform bounds checking beyond the checks performed by the
// Go runtime; an out-of-range access is a kernel bug and crashes loudly.
type Memory struct {
	buf []byte
}

// New allocates a zero-filled physical address space of the given size.
func New(size Size) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// Size returns the size of the physical address space.
func (m *Memory) Size() Size {
	return Size(len(m.buf))
}

// Contains returns true if the region [addr, addr+size) lies entirely within
// the physical address space.
func (m *Memory) Contains(addr uintptr, size Size) bool {
	end := uint64(addr) + uint64(size)
	return end >= uint64(addr) && end <= uint64(len(m.buf))
}

// Uint8 returns the byte stored at addr.
func (m *Memory) Uint8(addr uintptr) uint8 {
	return m.buf[addr]
}

// PutUint8 stores v at addr.
func (m *Memory) PutUint8(addr uintptr, v uint8) {
	m.buf[addr] = v
}

// Uint32 returns the 32-bit word stored at addr.
func (m *Memory) Uint32(addr uintptr) uint32 {
	_ = m.buf[addr+3]
	return *(*uint32)(unsafe.Pointer(&m.buf[addr]))
}

// PutUint32 stores the 32-bit word v at addr.
func (m *Memory) PutUint32(addr uintptr, v uint32) {
	_ = m.buf[addr+3]
	*(*uint32)(unsafe.Pointer(&m.buf[addr])) = v
}

// Int32 returns the signed 32-bit word stored at addr.
func (m *Memory) Int32(addr uintptr) int32 {
	return int32(m.Uint32(addr))
}

// PutInt32 stores the signed 32-bit word v at addr.
func (m *Memory) PutInt32(addr uintptr, v int32) {
	m.PutUint32(addr, uint32(v))
}

// Bytes returns a slice that overlays the region [addr, addr+size). Writes to
// the returned slice are visible to all Memory readers.
func (m *Memory) Bytes(addr uintptr, size Size) []byte {
	return m.buf[addr : addr+uintptr(size) : addr+uintptr(size)]
}

// Pointer returns an unsafe pointer to the byte at addr. It is used for
// overlaying fixed-layout tables on top of physical memory.
func (m *Memory) Pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(&m.buf[addr])
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which should
// give us a speed boost as page addresses are always aligned.
func (m *Memory) Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := m.Bytes(addr, size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *Memory) Memcopy(src, dst uintptr, size Size) {
	if size == 0 {
		return
	}

	copy(m.Bytes(dst, size), m.Bytes(src, size))
}
