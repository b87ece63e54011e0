package detour

import "errors"

// errUnsupportedPlatform is the Cause wrapped by unsupportedOS's errors.
var errUnsupportedPlatform = errors.New("detour: unsupported platform")

// memProtect mirrors the handful of Windows page-protection constants this
// package actually uses; kept as our own type rather than importing
// golang.org/x/sys/windows into platform-independent files so region.go
// and arch_x86.go build regardless of GOOS.
type memProtect uint32

const (
	protectNoAccess         memProtect = 0x01
	protectReadOnly         memProtect = 0x02
	protectReadWrite        memProtect = 0x04
	protectExecute          memProtect = 0x10
	protectExecuteRead      memProtect = 0x20
	protectExecuteReadWrite memProtect = 0x40
)

// memState mirrors MEM_COMMIT/MEM_RESERVE/MEM_FREE.
type memState uint32

const (
	stateCommit  memState = 0x1000
	stateReserve memState = 0x2000
	stateFree    memState = 0x10000
)

// memBasicInfo is the subset of MEMORY_BASIC_INFORMATION this package
// consults: the allocation's base and the state/protection of the queried
// page.
type memBasicInfo struct {
	baseAddress    uintptr
	allocationBase uintptr
	protect        memProtect
	regionSize     uintptr
	state          memState
}

// osShim is every OS-level primitive the allocator and arch code need.
// Abstracting it behind an interface (rather than calling
// golang.org/x/sys/windows directly from region.go/arch_x86.go) is what
// lets platform_fake_test.go drive the region allocator's search logic
// without a real Windows process backing it.
type osShim interface {
	// vquery reports what, if anything, is mapped at addr. ok is false if
	// addr lies outside any mapped region.
	vquery(addr uintptr) (memBasicInfo, bool)
	// valloc reserves and/or commits size bytes at hint, failing if that
	// range is already in use; a hint of 0 lets the implementation choose.
	valloc(hint uintptr, size uintptr, state memState, protect memProtect) (uintptr, error)
	// vfree releases a region previously returned by valloc.
	vfree(addr uintptr) error
	// vprotect changes the protection of [addr, addr+size) and returns the
	// protection that was in effect beforehand.
	vprotect(addr uintptr, size uintptr, protect memProtect) (memProtect, error)
	// flushInstructionCache invalidates the instruction cache for
	// [addr, addr+size), required after writing executable code that may
	// already be cached.
	flushInstructionCache(addr uintptr, size uintptr) error
	// dynamicCodeBlocked reports whether the process's mitigation policy
	// forbids allocating new executable memory (ACG), distinguishing that
	// case from ordinary address-space exhaustion.
	dynamicCodeBlocked() bool
}

// osImpl is the active OS shim. platform_windows.go sets this via an
// init() for windows builds; unit tests that need to run regardless of
// GOOS swap in platform_fake_test.go's fakeOS via withFakeOS.
var osImpl osShim = unsupportedOS{}

// unsupportedOS is the zero-value shim used on any GOOS this package
// hasn't been built for; every call fails closed rather than panicking,
// so the package still links (and its pure-Go pieces, like the decoder
// and Pointer/FunctionPointer types, stay usable) on non-Windows hosts.
type unsupportedOS struct{}

func (unsupportedOS) vquery(uintptr) (memBasicInfo, bool) { return memBasicInfo{}, false }

func (unsupportedOS) valloc(uintptr, uintptr, memState, memProtect) (uintptr, error) {
	return 0, errorCode(0, errUnsupportedPlatform)
}

func (unsupportedOS) vfree(uintptr) error { return errorCode(0, errUnsupportedPlatform) }

func (unsupportedOS) vprotect(uintptr, uintptr, memProtect) (memProtect, error) {
	return 0, errorCode(0, errUnsupportedPlatform)
}

func (unsupportedOS) flushInstructionCache(uintptr, uintptr) error {
	return errorCode(0, errUnsupportedPlatform)
}

func (unsupportedOS) dynamicCodeBlocked() bool { return false }
