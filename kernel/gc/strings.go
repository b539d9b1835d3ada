package gc

// ArrayLength returns the number of elements in arr or -1 if arr is not a
// managed array.
func (c *Collector) ArrayLength(arr uintptr) int32 {
	if !c.isKind(arr, ArrayHandle) {
		return -1
	}
	return c.mem.Int32(arr + offLength)
}

// ArrayElement returns the address of the element slot at index or 0 if
// arr is not a managed array or index is out of range.
func (c *Collector) ArrayElement(arr uintptr, index int32) uintptr {
	if index < 0 || index >= c.ArrayLength(arr) {
		return 0
	}

	elemType := c.types.Lookup(TypeHandle(c.mem.Uint32(arr + offElemType)))
	return arr + arrayPrefixSize + uintptr(index)*elementSize(elemType)
}

// StringLength returns the number of characters in str or -1 if str is not
// a managed string.
func (c *Collector) StringLength(str uintptr) int32 {
	if !c.isKind(str, StringHandle) {
		return -1
	}
	return c.mem.Int32(str + offLength)
}

// StringChar returns the character at index.
func (c *Collector) StringChar(str uintptr, index int32) uint16 {
	if index < 0 || index >= c.StringLength(str) {
		return 0
	}

	addr := str + stringPrefixSize + uintptr(index)*charSize
	return uint16(c.mem.Uint8(addr)) | uint16(c.mem.Uint8(addr+1))<<8
}

// SetStringChar stores ch at index.
func (c *Collector) SetStringChar(str uintptr, index int32, ch uint16) {
	if index < 0 || index >= c.StringLength(str) {
		return
	}

	addr := str + stringPrefixSize + uintptr(index)*charSize
	c.mem.PutUint8(addr, uint8(ch))
	c.mem.PutUint8(addr+1, uint8(ch>>8))
}

// GoString returns the contents of str truncated to 8-bit characters.
func (c *Collector) GoString(str uintptr) string {
	length := c.StringLength(str)
	if length <= 0 {
		return ""
	}

	buf := make([]byte, length)
	for index := range buf {
		buf[index] = uint8(c.StringChar(str, int32(index)))
	}
	return string(buf)
}

func (c *Collector) isKind(obj uintptr, handle TypeHandle) bool {
	return c.IsManaged(obj) && TypeHandle(c.mem.Uint32(obj+offType)) == handle
}
