package detour

import "unsafe"

// Pointer is a typed wrapper around a compile-time-known absolute address
// whose contents *are* a T directly (for example a vtable slot). Get
// returns the address as a *T.
type Pointer[T any] struct {
	addr uintptr
}

// NewPointer wraps addr as a Pointer[T].
func NewPointer[T any](addr uintptr) Pointer[T] {
	return Pointer[T]{addr: addr}
}

// RawAddr returns the wrapped address, used as the hook key.
func (p Pointer[T]) RawAddr() uintptr { return p.addr }

// Get returns the wrapped address as a *T, without reading through it.
func (p Pointer[T]) Get() *T {
	return (*T)(unsafe.Pointer(p.addr)) //nolint:govet
}

// FunctionPointer is a typed wrapper around an address that *holds* a
// function pointer: dereferencing once yields the address of the code
// itself, and a second dereference (via Get) yields the callable T.
type FunctionPointer[T any] struct {
	addr uintptr
}

// NewFunctionPointer wraps addr as a FunctionPointer[T].
func NewFunctionPointer[T any](addr uintptr) FunctionPointer[T] {
	return FunctionPointer[T]{addr: addr}
}

// RawAddr returns the wrapped address, used as the hook key.
func (p FunctionPointer[T]) RawAddr() uintptr { return p.addr }

// Get dereferences the held pointer to obtain the callable T.
func (p FunctionPointer[T]) Get() T {
	pp := *(*uintptr)(unsafe.Pointer(p.addr)) //nolint:govet
	return *(*T)(unsafe.Pointer(pp))          //nolint:govet
}

// addressable is implemented by both Pointer and FunctionPointer shapes,
// letting AttachPtr accept either.
type addressable interface {
	RawAddr() uintptr
}
