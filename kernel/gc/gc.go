// Package gc implements reference-counted lifetime management for managed
// objects, arrays and strings allocated from the kernel heap.
//
// Every managed allocation starts with a header that carries two signature
// words, a checksum and a signed reference count. References point just
// past the header at the object payload whose first word stores the handle
// of the object's type descriptor. Objects whose count drops to zero are
// queued on a cleanup list and only returned to the heap by Cleanup.
package gc

import (
	"kcore/kernel"
	"kcore/kernel/kfmt"
	"kcore/kernel/mem"
	"kcore/kernel/mm/heap"
	"math"
)

// Header layout.
const (
	// Signature is stored in both signature words of a header.
	Signature = uint32(0x5C0EADE2)

	// Checksum is the sum of the two signature words.
	Checksum = uint32(0xB81D5BC4)

	// HeaderSize is the size of the header that precedes every managed
	// allocation.
	HeaderSize = uintptr(16)

	offSig1     = 0
	offSig2     = 4
	offChecksum = 8
	offRefCount = 12
)

// Payload layout.
const (
	offType     = 0
	offLength   = 4
	offElemType = 8

	arrayPrefixSize  = uintptr(12)
	stringPrefixSize = uintptr(8)

	referenceSize = uintptr(4)
	charSize      = uintptr(2)
)

// Cleanup entry layout.
const (
	offEntryObject   = 0
	offEntryPrev     = 4
	offEntryNext     = 8
	cleanupEntrySize = mem.Size(12)
)

var (
	errNegativeLength = &kernel.Error{Module: "gc", Message: "negative length"}
	errStringTooLong  = &kernel.Error{Module: "gc", Message: "string exceeds the maximum length"}

	// maxStringLength is the longest string the length field can describe.
	maxStringLength = math.MaxInt32
)

// Stats describes the number of managed allocations tracked by a Collector.
type Stats struct {
	// Objects counts live objects and arrays.
	Objects int

	// Strings counts live strings.
	Strings int

	// CleanupEntries counts the objects queued for cleanup.
	CleanupEntries int
}

// Collector manages the lifetime of objects allocated from a heap.
type Collector struct {
	heap  *heap.Heap
	mem   *mem.Memory
	types *TypeTable

	enabled  bool
	insideGC bool

	cleanupHead uintptr
	stats       Stats
}

// New returns an enabled collector that allocates from h and resolves object
// types using types.
func New(h *heap.Heap, types *TypeTable) *Collector {
	return &Collector{
		heap:    h,
		mem:     h.Memory(),
		types:   types,
		enabled: true,
	}
}

// Types returns the type table used by the collector.
func (c *Collector) Types() *TypeTable {
	return c.types
}

// Enable turns the collector on.
func (c *Collector) Enable() {
	c.enabled = true
}

// Disable turns the collector off. While disabled all collector operations
// are no-ops and constructors return 0.
func (c *Collector) Disable() {
	c.enabled = false
}

// IsEnabled returns true if the collector is enabled.
func (c *Collector) IsEnabled() bool {
	return c.enabled
}

// Stats returns the collector counters.
func (c *Collector) Stats() Stats {
	return c.stats
}

func (c *Collector) active() bool {
	return c.enabled && !c.insideGC
}

// IsManaged returns true if obj points just past a valid GC header.
func (c *Collector) IsManaged(obj uintptr) bool {
	if obj < HeaderSize || !c.mem.Contains(obj-HeaderSize, mem.Size(HeaderSize+referenceSize)) {
		return false
	}

	hdr := obj - HeaderSize
	return c.mem.Uint32(hdr+offSig1) == Signature &&
		c.mem.Uint32(hdr+offSig2) == Signature &&
		c.mem.Uint32(hdr+offChecksum) == Checksum
}

// RefCount returns the reference count of obj or 0 if obj is not managed.
func (c *Collector) RefCount(obj uintptr) int32 {
	if !c.IsManaged(obj) {
		return 0
	}
	return c.mem.Int32(obj - HeaderSize + offRefCount)
}

// TypeOf returns the type descriptor of obj or nil if obj is not managed or
// its type is not registered.
func (c *Collector) TypeOf(obj uintptr) *TypeDescriptor {
	if !c.IsManaged(obj) {
		return nil
	}
	return c.types.Lookup(TypeHandle(c.mem.Uint32(obj + offType)))
}

// NewObject allocates a zeroed instance of t with a reference count of 1. It
// returns 0 if the heap cannot satisfy the request.
func (c *Collector) NewObject(t *TypeDescriptor) uintptr {
	if !c.active() {
		return 0
	}

	if t == nil {
		kfmt.Printf("[gc] cannot allocate object without a type\n")
		return 0
	}

	size := t.Size
	if size < referenceSize {
		size = referenceSize
	}

	c.insideGC = true
	defer func() { c.insideGC = false }()

	obj := c.allocate(uint64(size))
	if obj == 0 {
		return 0
	}

	c.mem.PutUint32(obj+offType, uint32(t.Handle))
	c.mem.PutInt32(obj-HeaderSize+offRefCount, 1)
	c.stats.Objects++
	return obj
}

// NewArray allocates a zeroed array of length elements of elemType with a
// reference count of 1. Value-type elements are stored inline; all other
// elements are stored as references. A negative length is rejected with an
// error; heap exhaustion yields 0.
func (c *Collector) NewArray(length int32, elemType *TypeDescriptor) (uintptr, *kernel.Error) {
	if length < 0 {
		kfmt.Printf("[gc] cannot allocate array with negative length %d\n", length)
		return 0, errNegativeLength
	}

	if !c.active() {
		return 0, nil
	}

	var (
		elemSize   = elementSize(elemType)
		elemHandle TypeHandle
	)

	if elemType != nil {
		elemHandle = elemType.Handle
	}

	c.insideGC = true
	defer func() { c.insideGC = false }()

	arr := c.allocate(uint64(arrayPrefixSize) + uint64(length)*uint64(elemSize))
	if arr == 0 {
		return 0, nil
	}

	c.mem.PutUint32(arr+offType, uint32(ArrayHandle))
	c.mem.PutInt32(arr+offLength, length)
	c.mem.PutUint32(arr+offElemType, uint32(elemHandle))
	c.mem.PutInt32(arr-HeaderSize+offRefCount, 1)
	c.stats.Objects++
	return arr, nil
}

// NewString allocates a zeroed string that can hold length characters. The
// string starts with a reference count of 0 and the caller must bind it to
// a reference immediately. A negative length is rejected with an error;
// heap exhaustion yields 0.
func (c *Collector) NewString(length int32) (uintptr, *kernel.Error) {
	if length < 0 {
		kfmt.Printf("[gc] cannot allocate string with negative length %d\n", length)
		return 0, errNegativeLength
	}

	if !c.active() {
		return 0, nil
	}

	c.insideGC = true
	defer func() { c.insideGC = false }()

	str := c.allocate(uint64(stringPrefixSize) + uint64(length)*uint64(charSize))
	if str == 0 {
		return 0, nil
	}

	c.mem.PutUint32(str+offType, uint32(StringHandle))
	c.mem.PutInt32(str+offLength, length)
	c.stats.Strings++
	return str, nil
}

// NewStringFrom allocates a string and fills it with the characters of s.
// Heap exhaustion yields 0 with a nil error.
func (c *Collector) NewStringFrom(s string) (uintptr, *kernel.Error) {
	if len(s) > maxStringLength {
		kfmt.Printf("[gc] cannot allocate string of %d characters\n", len(s))
		return 0, errStringTooLong
	}

	str, err := c.NewString(int32(len(s)))
	if str == 0 {
		return 0, err
	}

	for index := 0; index < len(s); index++ {
		c.mem.PutUint8(str+stringPrefixSize+uintptr(index)*charSize, s[index])
	}
	return str, nil
}

// allocate reserves a zeroed block for a payload of the requested size and
// stamps the GC header. It returns the payload address or 0.
func (c *Collector) allocate(payloadSize uint64) uintptr {
	total := uint64(HeaderSize) + payloadSize
	if total > math.MaxUint32 {
		kfmt.Printf("[gc] allocation size overflow: %d bytes\n", total)
		return 0
	}

	hdr := c.heap.AllocateZeroed(mem.Size(total), mem.WordSize)
	if hdr == 0 {
		kfmt.Printf("[gc] unable to allocate %d bytes\n", total)
		return 0
	}

	c.mem.PutUint32(hdr+offSig1, Signature)
	c.mem.PutUint32(hdr+offSig2, Signature)
	c.mem.PutUint32(hdr+offChecksum, Checksum)
	return hdr + HeaderSize
}

// IncrementRefCount increments the reference count of obj. An object whose
// count rises from zero is removed from the cleanup list.
func (c *Collector) IncrementRefCount(obj uintptr) {
	if obj == 0 || !c.active() || !c.IsManaged(obj) {
		return
	}

	c.insideGC = true
	defer func() { c.insideGC = false }()

	hdr := obj - HeaderSize
	count := c.mem.Int32(hdr+offRefCount) + 1
	c.mem.PutInt32(hdr+offRefCount, count)

	if count == 1 {
		c.removeFromCleanup(obj)
	}
}

// DecrementRefCount decrements the reference count of obj. When the count
// reaches zero the references held by the object are decremented and the
// object is queued for cleanup.
func (c *Collector) DecrementRefCount(obj uintptr) {
	if obj == 0 || !c.active() {
		return
	}

	c.insideGC = true
	defer func() { c.insideGC = false }()

	c.decrement(obj)
}

func (c *Collector) decrement(obj uintptr) {
	if obj == 0 || !c.IsManaged(obj) {
		return
	}

	hdr := obj - HeaderSize
	count := c.mem.Int32(hdr+offRefCount) - 1
	c.mem.PutInt32(hdr+offRefCount, count)
	if count != 0 {
		return
	}

	handle := TypeHandle(c.mem.Uint32(obj + offType))
	if handle == ArrayHandle {
		elemType := c.types.Lookup(TypeHandle(c.mem.Uint32(obj + offElemType)))
		if elemType.IsReference() {
			length := uintptr(c.mem.Int32(obj + offLength))
			for index := uintptr(0); index < length; index++ {
				c.decrement(uintptr(c.mem.Uint32(obj + arrayPrefixSize + index*referenceSize)))
			}
		}
	}

	VisitOwnedFields(c.types.Lookup(handle), func(field Field) bool {
		c.decrement(uintptr(c.mem.Uint32(obj + field.Offset)))
		return true
	})

	c.addToCleanup(obj)
}

// Cleanup frees every queued object whose reference count is still not
// positive and empties the cleanup list.
func (c *Collector) Cleanup() {
	if !c.active() {
		return
	}

	c.insideGC = true
	defer func() { c.insideGC = false }()

	for entry := c.cleanupHead; entry != 0; {
		var (
			next = uintptr(c.mem.Uint32(entry + offEntryNext))
			obj  = uintptr(c.mem.Uint32(entry + offEntryObject))
		)

		if c.IsManaged(obj) && c.mem.Int32(obj-HeaderSize+offRefCount) <= 0 {
			c.free(obj)
		}

		c.unlink(entry)
		entry = next
	}
}

// free returns the allocation backing obj to the heap. The header
// signature is cleared so stale references are no longer treated as
// managed.
func (c *Collector) free(obj uintptr) {
	if TypeHandle(c.mem.Uint32(obj+offType)) == StringHandle {
		c.stats.Strings--
	} else {
		c.stats.Objects--
	}

	hdr := obj - HeaderSize
	c.mem.PutUint32(hdr+offSig1, 0)
	c.heap.Free(hdr)
}

func (c *Collector) addToCleanup(obj uintptr) {
	entry := c.heap.Allocate(cleanupEntrySize, mem.WordSize)
	if entry == 0 {
		kfmt.Printf("[gc] unable to queue object 0x%x for cleanup\n", obj)
		return
	}

	c.mem.PutUint32(entry+offEntryObject, uint32(obj))
	c.mem.PutUint32(entry+offEntryPrev, 0)
	c.mem.PutUint32(entry+offEntryNext, uint32(c.cleanupHead))
	if c.cleanupHead != 0 {
		c.mem.PutUint32(c.cleanupHead+offEntryPrev, uint32(entry))
	}

	c.cleanupHead = entry
	c.stats.CleanupEntries++
}

func (c *Collector) removeFromCleanup(obj uintptr) {
	for entry := c.cleanupHead; entry != 0; entry = uintptr(c.mem.Uint32(entry + offEntryNext)) {
		if uintptr(c.mem.Uint32(entry+offEntryObject)) == obj {
			c.unlink(entry)
			return
		}
	}
}

func (c *Collector) unlink(entry uintptr) {
	var (
		prev = uintptr(c.mem.Uint32(entry + offEntryPrev))
		next = uintptr(c.mem.Uint32(entry + offEntryNext))
	)

	if prev != 0 {
		c.mem.PutUint32(prev+offEntryNext, uint32(next))
	} else {
		c.cleanupHead = next
	}

	if next != 0 {
		c.mem.PutUint32(next+offEntryPrev, uint32(prev))
	}

	c.heap.Free(entry)
	c.stats.CleanupEntries--
}

// elementSize returns the number of bytes used to store one array element.
func elementSize(elemType *TypeDescriptor) uintptr {
	if elemType != nil && elemType.IsValueType {
		return elemType.Size
	}
	return referenceSize
}
