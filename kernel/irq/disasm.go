package irq

import (
	"kcore/kernel/mem"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLen is the longest encoding of an x86 instruction.
const maxInstructionLen = 15

// decodeInstruction disassembles the 32-bit instruction located at physical
// address eip in Intel syntax. It returns false if eip lies outside m or the
// bytes do not form a valid instruction.
func decodeInstruction(m *mem.Memory, eip uint32) (string, bool) {
	addr := uintptr(eip)
	if !m.Contains(addr, 1) {
		return "", false
	}

	size := mem.Size(maxInstructionLen)
	if avail := m.Size() - mem.Size(addr); avail < size {
		size = avail
	}

	inst, err := x86asm.Decode(m.Bytes(addr, size), 32)
	if err != nil {
		return "", false
	}
	return x86asm.IntelSyntax(inst, uint64(eip), nil), true
}
