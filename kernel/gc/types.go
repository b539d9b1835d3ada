package gc

import "kcore/kernel"

// TypeHandle identifies a type descriptor. The handle of an object's type is
// stored in the first payload word of every managed allocation.
type TypeHandle uint32

// Handles reserved for the built-in managed types.
const (
	InvalidHandle = TypeHandle(0)
	ArrayHandle   = TypeHandle(1)
	StringHandle  = TypeHandle(2)

	firstUserHandle = TypeHandle(16)
)

var (
	errInvalidHandle   = &kernel.Error{Module: "gc", Message: "type handle is reserved"}
	errDuplicateHandle = &kernel.Error{Module: "gc", Message: "type handle already registered"}
)

// Field describes an entry in a type's field table.
//
// A zero-size entry terminates the table. If its Type is not nil the
// entry is a sentinel that links to the parent type whose table continues
// the walk.
type Field struct {
	// Offset is the byte offset of the field from the start of the
	// object payload.
	Offset uintptr

	// Size is the size of the field in bytes.
	Size uintptr

	// Type describes the field contents or, for sentinels, the parent type.
	Type *TypeDescriptor
}

// TypeDescriptor holds the compiler-supplied metadata for a managed type.
type TypeDescriptor struct {
	Handle TypeHandle
	Name   string

	// Size is the payload size of an instance including the leading type
	// word. For value types it is the size of the value when stored inline.
	Size uintptr

	// IsValueType is set for types that are stored inline.
	IsValueType bool

	// IsPointer is set for unmanaged pointer types.
	IsPointer bool

	Fields []Field
}

// IsReference returns true if values of this type are managed references
// that the collector must count.
func (t *TypeDescriptor) IsReference() bool {
	return t != nil && !t.IsValueType && !t.IsPointer
}

// OwnedFieldVisitor is invoked by VisitOwnedFields for each field that holds
// a managed reference. Returning false stops the walk.
type OwnedFieldVisitor func(field Field) bool

// VisitOwnedFields invokes visitor for every field of t, including the
// fields inherited from parent types, whose type is a managed reference.
func VisitOwnedFields(t *TypeDescriptor, visitor OwnedFieldVisitor) {
	for t != nil {
		var parent *TypeDescriptor
		for _, field := range t.Fields {
			if field.Size == 0 {
				parent = field.Type
				break
			}

			if field.Type.IsReference() && !visitor(field) {
				return
			}
		}

		t = parent
	}
}

// TypeTable maps type handles to their descriptors.
type TypeTable struct {
	types map[TypeHandle]*TypeDescriptor
}

// NewTypeTable returns a table that contains the built-in array and string
// types.
func NewTypeTable() *TypeTable {
	return &TypeTable{
		types: map[TypeHandle]*TypeDescriptor{
			ArrayHandle:  arrayType,
			StringHandle: stringType,
		},
	}
}

// Register adds t to the table.
func (tt *TypeTable) Register(t *TypeDescriptor) *kernel.Error {
	if t.Handle < firstUserHandle {
		return errInvalidHandle
	}

	if _, exists := tt.types[t.Handle]; exists {
		return errDuplicateHandle
	}

	tt.types[t.Handle] = t
	return nil
}

// Lookup returns the descriptor for handle or nil if it is not registered.
func (tt *TypeTable) Lookup(handle TypeHandle) *TypeDescriptor {
	return tt.types[handle]
}

var (
	arrayType = &TypeDescriptor{
		Handle: ArrayHandle,
		Name:   "Array",
		Size:   arrayPrefixSize,
	}

	stringType = &TypeDescriptor{
		Handle: StringHandle,
		Name:   "String",
		Size:   stringPrefixSize,
	}
)
