package mem

import "testing"

func TestMemset(t *testing.T) {
	m := New(8 * Kb)

	for pageCount := uintptr(1); pageCount <= 2; pageCount++ {
		size := Size(pageCount * 4096)
		for i := Size(0); i < size; i++ {
			m.PutUint8(uintptr(i), 0xf0)
		}

		m.Memset(0, 0x00, size)

		for i := Size(0); i < size; i++ {
			if got := m.Uint8(uintptr(i)); got != 0x00 {
				t.Errorf("[block with %d pages] expected byte: %d to be 0x00; got 0x%x", pageCount, i, got)
			}
		}
	}

	// Zero-sized writes must not touch memory
	m.PutUint8(0, 0xaa)
	m.Memset(0, 0, 0)
	if got := m.Uint8(0); got != 0xaa {
		t.Fatalf("expected zero-sized Memset to be a no-op; got 0x%x", got)
	}
}

func TestMemcopy(t *testing.T) {
	var (
		m    = New(2 * 4096)
		size = Size(4096)
	)

	for i := Size(0); i < size; i++ {
		m.PutUint8(uintptr(i), byte(i%256))
	}

	m.Memcopy(0, 4096, size)

	for i := Size(0); i < size; i++ {
		if got, exp := m.Uint8(4096+uintptr(i)), byte(i%256); got != exp {
			t.Errorf("expected byte: %d to be 0x%x; got 0x%x", i, exp, got)
		}
	}
}

func TestWordAccess(t *testing.T) {
	m := New(64)

	m.PutUint32(4, 0xdeadbeef)
	if got := m.Uint32(4); got != 0xdeadbeef {
		t.Fatalf("expected to read back 0xdeadbeef; got 0x%x", got)
	}

	// Little-endian byte order
	if got := m.Uint8(4); got != 0xef {
		t.Fatalf("expected low byte 0xef; got 0x%x", got)
	}

	m.PutInt32(8, -2)
	if got := m.Int32(8); got != -2 {
		t.Fatalf("expected to read back -2; got %d", got)
	}
}

func TestContains(t *testing.T) {
	m := New(4 * Kb)

	specs := []struct {
		addr uintptr
		size Size
		exp  bool
	}{
		{0, 4 * Kb, true},
		{4095, 1, true},
		{4095, 2, false},
		{8192, 0, false},
		{^uintptr(0), 2, false},
	}

	for specIndex, spec := range specs {
		if got := m.Contains(spec.addr, spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x, %d) to return %t; got %t", specIndex, spec.addr, spec.size, spec.exp, got)
		}
	}
}

func TestSizeRoundUp(t *testing.T) {
	specs := []struct {
		size, align, exp Size
	}{
		{0, 4 * Kb, 0},
		{1, 4 * Kb, 4 * Kb},
		{4 * Kb, 4 * Kb, 4 * Kb},
		{4*Kb + 1, 4 * Kb, 8 * Kb},
		{30, 16, 32},
	}

	for specIndex, spec := range specs {
		if got := spec.size.RoundUp(spec.align); got != spec.exp {
			t.Errorf("[spec %d] expected %d rounded up to %d to be %d; got %d", specIndex, spec.size, spec.align, spec.exp, got)
		}
	}
}
