//go:build windows

package detour

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

// FlushInstructionCache isn't wrapped by golang.org/x/sys/windows, so it's
// bound the same way the teacher binds every kernel32 entry point: a lazy
// DLL handle plus a named proc, resolved once at package init.
var (
	modKernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = modKernel32.NewProc("FlushInstructionCache")
)

func init() {
	osImpl = windowsOS{}
}

type windowsOS struct{}

func (windowsOS) vquery(addr uintptr) (memBasicInfo, bool) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi))
	if err != nil || mbi.State == uint32(stateFree) {
		return memBasicInfo{}, false
	}
	return memBasicInfo{
		baseAddress:    mbi.BaseAddress,
		allocationBase: mbi.AllocationBase,
		protect:        memProtect(mbi.Protect),
		regionSize:     mbi.RegionSize,
		state:          memState(mbi.State),
	}, true
}

func (windowsOS) valloc(hint uintptr, size uintptr, state memState, protect memProtect) (uintptr, error) {
	addr, err := windows.VirtualAlloc(hint, size, uint32(state), uint32(protect))
	if err != nil {
		if errors.Is(err, windows.ERROR_DYNAMIC_CODE_BLOCKED) {
			return 0, errorCode(uintptr(windows.ERROR_DYNAMIC_CODE_BLOCKED), err)
		}
		return 0, errorCode(uintptr(errno(err)), err)
	}
	return addr, nil
}

func (windowsOS) vfree(addr uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return errorCode(uintptr(errno(err)), err)
	}
	return nil
}

func (windowsOS) vprotect(addr uintptr, size uintptr, protect memProtect) (memProtect, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, uint32(protect), &old); err != nil {
		return 0, errorCode(uintptr(errno(err)), err)
	}
	return memProtect(old), nil
}

func (windowsOS) flushInstructionCache(addr uintptr, size uintptr) error {
	r1, _, err := procFlushInstructionCache.Call(
		uintptr(windows.CurrentProcess()),
		addr,
		size,
	)
	if r1 == 0 {
		return errorCode(uintptr(errno(err)), err)
	}
	return nil
}

// dynamicCodeBlocked always reports false on Windows. A VirtualAlloc that
// the dynamic-code policy refuses comes back from valloc as an error
// carrying ERROR_DYNAMIC_CODE_BLOCKED, and tryCommit treats it like any
// other failed allocation: the placement search does not stop early, it
// goes on through the remaining candidates and ends with
// ErrNotEnoughMemory when none can be allocated.
func (windowsOS) dynamicCodeBlocked() bool { return false }

func errno(err error) windows.Errno {
	var e windows.Errno
	if errors.As(err, &e) {
		return e
	}
	return 0
}
