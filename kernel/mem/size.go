package mem

// Size is a length of physical memory in bytes.
type Size uint64

// Memory size units.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// WordSize is the size of a machine word on the 32-bit target.
const WordSize = 4

// RoundUp returns s rounded up to the next multiple of align, which must be
// a power of 2.
func (s Size) RoundUp(align Size) Size {
	return (s + align - 1) &^ (align - 1)
}
