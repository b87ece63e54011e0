package detour

import (
	"sort"
	"unsafe"
)

// fakeOS is an in-process stand-in for the Windows VirtualXxx family, let
// region_test.go and arch_x86_test.go exercise the placement search,
// commit/decommit bookkeeping and IAT-thunk detection on any GOOS. It
// models address space as a flat, explicitly-allocated set of byte ranges
// rather than touching real memory.
type fakeOS struct {
	blocks   []fakeBlock
	images   map[uintptr]fakeImage
	blockACG bool
}

type fakeBlock struct {
	base, size uintptr
	protect    memProtect
	state      memState
}

// fakeImage lets arch_x86_test.go stand up a synthetic PE header/IAT pair
// at a chosen base address without an on-disk file.
type fakeImage struct {
	base    uintptr
	bytes   []byte
	iatLo   uintptr
	iatSize uintptr
}

func newFakeOS() *fakeOS {
	return &fakeOS{images: make(map[uintptr]fakeImage)}
}

func (f *fakeOS) vquery(addr uintptr) (memBasicInfo, bool) {
	for _, b := range f.blocks {
		if addr >= b.base && addr < b.base+b.size {
			return memBasicInfo{
				baseAddress:    b.base,
				allocationBase: b.base,
				protect:        b.protect,
				regionSize:     b.size,
				state:          b.state,
			}, true
		}
	}
	if img, ok := f.imageContaining(addr); ok {
		return memBasicInfo{
			baseAddress:    img.base,
			allocationBase: img.base,
			protect:        protectReadOnly,
			regionSize:     uintptr(len(img.bytes)),
			state:          stateCommit,
		}, true
	}
	return memBasicInfo{}, false
}

func (f *fakeOS) imageContaining(addr uintptr) (fakeImage, bool) {
	for base, img := range f.images {
		if addr >= base && addr < base+uintptr(len(img.bytes)) {
			return img, true
		}
	}
	return fakeImage{}, false
}

// valloc deliberately lets the allocation itself succeed even when
// blockACG is set: scenario 6 (spec.md §8) mocks VirtualAlloc succeeding
// and check_dynamic_code_blocked firing afterward, which tryCommit must
// detect and unwind via vfree rather than valloc failing outright.
func (f *fakeOS) valloc(hint uintptr, size uintptr, state memState, protect memProtect) (uintptr, error) {
	base := hint
	if base == 0 {
		base = f.nextFreeHint()
	}
	for _, b := range f.blocks {
		if base < b.base+b.size && base+size > b.base {
			return 0, errorCode(0, errUnsupportedPlatform)
		}
	}
	f.blocks = append(f.blocks, fakeBlock{base: base, size: size, protect: protect, state: state})
	sort.Slice(f.blocks, func(i, j int) bool { return f.blocks[i].base < f.blocks[j].base })
	return base, nil
}

func (f *fakeOS) nextFreeHint() uintptr {
	var max uintptr = 0x10000
	for _, b := range f.blocks {
		if end := b.base + b.size; end > max {
			max = end
		}
	}
	return max
}

func (f *fakeOS) vfree(addr uintptr) error {
	for i, b := range f.blocks {
		if b.base == addr {
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			return nil
		}
	}
	return errorCode(0, errUnsupportedPlatform)
}

func (f *fakeOS) vprotect(addr uintptr, size uintptr, protect memProtect) (memProtect, error) {
	for i, b := range f.blocks {
		if addr >= b.base && addr+size <= b.base+b.size {
			old := f.blocks[i].protect
			f.blocks[i].protect = protect
			return old, nil
		}
	}
	return 0, errorCode(0, errUnsupportedPlatform)
}

func (f *fakeOS) flushInstructionCache(uintptr, uintptr) error { return nil }

func (f *fakeOS) dynamicCodeBlocked() bool { return f.blockACG }

// putImage builds a synthetic PE image in real process memory: a minimal
// DOS/NT header pair with a single IMAGE_DATA_DIRECTORY entry describing
// the IAT, at iatRVA/iatSize relative to the returned base. Because
// isImportThunk reads through peekBytes (direct unsafe.Pointer reads), the
// image has to live at a real, addressable location rather than an
// arbitrary fake uintptr — so this returns the backing array's actual
// address for the caller to use as the "module base" in assertions.
func (f *fakeOS) putImage(iatRVA, iatSize uint32) uintptr {
	buf := make([]byte, 0x200)
	putU16(buf, 0, peDOSSignature)
	putU32(buf, 0x3C, 0x80) // e_lfanew
	nt := 0x80
	putU32(buf, nt, peNTSignature)
	optionalHeader := nt + 4 + 20
	entry := optionalHeader + 96 + imageDirectoryEntryIAT*8
	putU32(buf, entry, iatRVA)
	putU32(buf, entry+4, iatSize)

	base := uintptr(unsafe.Pointer(&buf[0])) //nolint:govet
	f.images[base] = fakeImage{base: base, bytes: buf, iatLo: base + uintptr(iatRVA), iatSize: uintptr(iatSize)}
	f.blocks = append(f.blocks, fakeBlock{base: base, size: uintptr(len(buf)), protect: protectReadOnly, state: stateCommit})
	return base
}

// registerBlock marks a real memory range (typically the backing array of
// a test-owned []byte) as an owned block, so vprotect/flushInstructionCache
// against it succeed, without going through valloc's address-placement
// logic (whose returned addresses are bookkeeping-only fabrications not
// backed by real memory, unlike the ranges callers register directly).
func (f *fakeOS) registerBlock(addr, size uintptr, protect memProtect) {
	f.blocks = append(f.blocks, fakeBlock{base: addr, size: size, protect: protect, state: stateCommit})
}

func putU16(buf []byte, off int, v uint16) { buf[off], buf[off+1] = byte(v), byte(v>>8) }

func putU32(buf []byte, off int, v uint32) {
	buf[off], buf[off+1], buf[off+2], buf[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
