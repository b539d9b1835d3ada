package vmm

// FaultReason returns a description of a page-fault error code pushed by the
// CPU.
func FaultReason(errorCode uint32) string {
	switch errorCode {
	case 0:
		return "read from non-present page"
	case 1:
		return "page protection violation (read)"
	case 2:
		return "write to non-present page"
	case 3:
		return "page protection violation (write)"
	case 4:
		return "page-fault in user-mode"
	case 5:
		return "page protection violation in user-mode (read)"
	case 6:
		return "write to non-present page in user-mode"
	case 7:
		return "page protection violation in user-mode (write)"
	case 8:
		return "page table has reserved bit set"
	case 16:
		return "instruction fetch"
	default:
		return "unknown"
	}
}
