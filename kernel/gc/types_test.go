package gc

import (
	"kcore/kernel"
	"testing"
)

func TestVisitOwnedFields(t *testing.T) {
	var (
		int32Type = &TypeDescriptor{Handle: 20, Name: "Int32", Size: 4, IsValueType: true}
		ptrType   = &TypeDescriptor{Handle: 21, Name: "Byte*", Size: 4, IsPointer: true}
		objType   = &TypeDescriptor{Handle: 22, Name: "Object", Size: 4}

		baseType = &TypeDescriptor{
			Handle: 23,
			Name:   "Base",
			Size:   12,
			Fields: []Field{
				{Offset: 4, Size: 4, Type: objType},
				{Offset: 8, Size: 4, Type: int32Type},
				{},
			},
		}

		derivedType = &TypeDescriptor{
			Handle: 24,
			Name:   "Derived",
			Size:   24,
			Fields: []Field{
				{Offset: 12, Size: 4, Type: ptrType},
				{Offset: 16, Size: 4, Type: objType},
				{Offset: 20, Size: 4, Type: baseType},
				{Size: 0, Type: baseType},
				// not reachable
				{Offset: 99, Size: 4, Type: objType},
			},
		}
	)

	t.Run("visits owned and inherited fields", func(t *testing.T) {
		var offsets []uintptr
		VisitOwnedFields(derivedType, func(field Field) bool {
			offsets = append(offsets, field.Offset)
			return true
		})

		exp := []uintptr{16, 20, 4}
		if len(offsets) != len(exp) {
			t.Fatalf("expected to visit fields at offsets %v; got %v", exp, offsets)
		}

		for index, offset := range exp {
			if offsets[index] != offset {
				t.Fatalf("expected to visit fields at offsets %v; got %v", exp, offsets)
			}
		}
	})

	t.Run("visitor aborts walk", func(t *testing.T) {
		var visitCount int
		VisitOwnedFields(derivedType, func(field Field) bool {
			visitCount++
			return false
		})

		if visitCount != 1 {
			t.Fatalf("expected visitor to be invoked once; got %d", visitCount)
		}
	})

	t.Run("nil type", func(t *testing.T) {
		VisitOwnedFields(nil, func(field Field) bool {
			t.Fatal("unexpected visitor call")
			return true
		})
	})
}

func TestIsReference(t *testing.T) {
	specs := []struct {
		typ *TypeDescriptor
		exp bool
	}{
		{nil, false},
		{&TypeDescriptor{IsValueType: true}, false},
		{&TypeDescriptor{IsPointer: true}, false},
		{&TypeDescriptor{}, true},
	}

	for specIndex, spec := range specs {
		if got := spec.typ.IsReference(); got != spec.exp {
			t.Errorf("[spec %d] expected IsReference to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestTypeTable(t *testing.T) {
	tt := NewTypeTable()

	if got := tt.Lookup(ArrayHandle); got != arrayType {
		t.Fatal("expected the array type to be registered")
	}

	if got := tt.Lookup(StringHandle); got != stringType {
		t.Fatal("expected the string type to be registered")
	}

	specs := []struct {
		typ    *TypeDescriptor
		expErr *kernel.Error
	}{
		{&TypeDescriptor{Handle: InvalidHandle}, errInvalidHandle},
		{&TypeDescriptor{Handle: StringHandle}, errInvalidHandle},
		{&TypeDescriptor{Handle: 100}, nil},
		{&TypeDescriptor{Handle: 100}, errDuplicateHandle},
	}

	for specIndex, spec := range specs {
		err := tt.Register(spec.typ)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if got := tt.Lookup(100); got == nil || got != specs[2].typ {
		t.Fatal("expected Lookup to return the registered type")
	}

	if got := tt.Lookup(101); got != nil {
		t.Fatal("expected Lookup to return nil for an unknown handle")
	}
}
