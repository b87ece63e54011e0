package detour

import "unsafe"

// RawRead dereferences a raw process address as a T. Callers are
// responsible for addr being valid and for T matching what's actually
// stored there; there's no way to check either from inside the package.
func RawRead[T any](addr uintptr) T {
	return *(*T)(unsafe.Pointer(addr)) //nolint:govet
}

// RawWrite stores v at a raw process address, unprotecting the page for
// the duration of the write and restoring its previous protection
// afterward.
func RawWrite[T any](addr uintptr, v T) error {
	size := unsafe.Sizeof(v)
	old, err := osImpl.vprotect(addr, size, protectExecuteReadWrite)
	if err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(addr)) = v //nolint:govet
	_, err = osImpl.vprotect(addr, size, old)
	if err != nil {
		return err
	}
	return osImpl.flushInstructionCache(addr, size)
}
