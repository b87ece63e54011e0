package detour

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// imageDirectoryEntryIAT is the index of the Import Address Table entry
// within IMAGE_OPTIONAL_HEADER{32,64}.DataDirectory.
const imageDirectoryEntryIAT = 12

// PE signatures read off the module header. These are read-only
// classifications of an already-loaded image, never used to modify it.
const (
	peDOSSignature = 0x5A4D // 'MZ'
	peNTSignature  = 0x00004550
)

// x86JmpSize is the size of a 5-byte relative JMP: opcode + rel32.
const x86JmpSize = neededBytes

func peekUint16(addr uintptr) uint16 {
	return binary.LittleEndian.Uint16(peekBytes(addr, 2))
}

func peekUint32(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(peekBytes(addr, 4))
}

func derefAddr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr)) //nolint:govet
}

// jmpDisplacement computes the rel32 displacement a JMP at dst would need
// to reach target, reporting ok=false if it overflows the signed 32-bit
// range a single relative JMP can encode. Callers must check ok rather
// than let the displacement silently truncate (spec.md §8, scenario 5).
func jmpDisplacement(dst, target uintptr) (int32, bool) {
	disp := int64(target) - int64(dst) - x86JmpSize
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return 0, false
	}
	return int32(disp), true
}

// genJmpImmediate returns the 5-byte encoding of JMP rel32 from dst to
// target: E9 followed by a little-endian rel32 displacement computed
// relative to the end of the 5-byte instruction. Panics if target is
// unreachable from dst; callers that must handle an out-of-range detour
// gracefully check jmpDisplacement first (see Table.attachLocked).
func genJmpImmediate(dst, target uintptr) [x86JmpSize]byte {
	disp, ok := jmpDisplacement(dst, target)
	if !ok {
		panic("detour: jmp displacement out of range")
	}
	var buf [x86JmpSize]byte
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(disp))
	return buf
}

// writeJmpImmediate writes the JMP rel32 encoding directly into memory at
// dst. Callers are responsible for ensuring dst is writable (see guard.go
// / platform_*.go's vprotect scoping) and that target is in range (see
// jmpDisplacement).
func writeJmpImmediate(dst, target uintptr) {
	buf := genJmpImmediate(dst, target)
	for i, b := range buf {
		*(*byte)(unsafe.Pointer(dst + uintptr(i))) = b //nolint:govet
	}
}

// detour2GBBelow and detour2GBAbove compute the lo/hi ends of the default
// reachable window for a 5-byte relative JMP anchored at addr, clamped to
// the address space (so this is safe to call near address 0 or near the
// top of the address space regardless of pointer width).
func detour2GBBelow(addr uintptr) uintptr {
	if addr > farSearchRadius {
		return addr - farSearchRadius
	}
	return 0x80000
}

func detour2GBAbove(addr uintptr) uintptr {
	max := ^uintptr(0)
	if addr < max-farSearchRadius {
		return addr + farSearchRadius
	}
	return max - farSearchRadius
}

// addrBound is the address window within which a 5-byte relative JMP
// anchored at some instruction can still reach that instruction (and, if
// widened, a JMP rel32's destination too).
type addrBound struct {
	lo, hi uintptr
}

func (b addrBound) contains(addr uintptr) bool {
	return addr >= b.lo && addr <= b.hi
}

// findJmpBounds computes the window in which a trampoline slot may be
// placed so its own tail JMP can still reach inst.ip. If inst is itself a
// JMP rel32, the window is narrowed on the side facing away from the
// jump's destination, so that a slot inside it can reach both inst.ip and
// that destination.
func findJmpBounds(inst decodedInst) addrBound {
	code := inst.ip
	lo := detour2GBBelow(code)
	hi := detour2GBAbove(code)
	if inst.isRel32Jmp() {
		target := inst.relTarget()
		if target < code {
			hi = detour2GBAbove(target)
		} else {
			lo = detour2GBBelow(target)
		}
	}
	return addrBound{lo: lo, hi: hi}
}

// isImportThunk reports whether target is an address inside the Import
// Address Table of the PE module that contains caller. It walks
// IMAGE_DOS_HEADER -> IMAGE_NT_HEADERS -> OptionalHeader.DataDirectory
// directly in the already-mapped process image, the same way the teacher
// walks process memory by hand rather than parsing an on-disk file.
func isImportThunk(caller, target uintptr) bool {
	mbi, ok := osImpl.vquery(caller)
	if !ok {
		return false
	}
	base := mbi.allocationBase
	if base == 0 {
		return false
	}
	if peekUint16(base) != peDOSSignature {
		return false
	}
	lfanew := peekUint32(base + 0x3C)
	ntHeader := base + uintptr(lfanew)
	if peekUint32(ntHeader) != peNTSignature {
		return false
	}
	// IMAGE_FILE_HEADER is 20 bytes, immediately after the 4-byte signature.
	fileHeader := ntHeader + 4
	optionalHeader := fileHeader + 20
	// IMAGE_OPTIONAL_HEADER32's DataDirectory array starts 96 bytes in
	// (Magic..NumberOfRvaAndSizes); each IMAGE_DATA_DIRECTORY is 8 bytes.
	const dataDirectoryOffset = 96
	entry := optionalHeader + dataDirectoryOffset + imageDirectoryEntryIAT*8
	iatRVA := uintptr(peekUint32(entry))
	iatSize := uintptr(peekUint32(entry + 4))
	if iatSize == 0 {
		return false
	}
	if target < base {
		return false
	}
	rel := target - base
	return rel >= iatRVA && rel < iatRVA+iatSize
}

// skipJmp resolves inst through the common thunk shapes a call site may
// present, returning the address that should actually be hooked:
//
//   - JMP [mem32] into a module's IAT: dereferenced to the real target.
//   - JMP rel8 landing on JMP [mem32] (IAT) or JMP rel32: followed one
//     level further, with the "known hot-patchable-function pattern"
//     (a JMP rel32 immediately followed by JMP [code+0x1000]) left
//     un-followed, restoring the rel8 destination instead.
//   - Anything else: inst.ip unchanged.
func skipJmp(inst decodedInst) uintptr {
	code := inst.ip

	if inst.isIndirectMemJmp() {
		slot := inst.memDisp32()
		if isImportThunk(inst.ip, slot) {
			code = derefAddr(slot)
		}
	}

	if inst.isRel8Jmp() {
		dest := inst.relTarget()
		original := dest

		next := decodeOne(dest)
		switch {
		case next.isIndirectMemJmp():
			slot := next.memDisp32()
			if isImportThunk(dest, slot) {
				dest = derefAddr(slot)
			}
		case next.isRel32Jmp():
			resolved := next.relTarget()
			after := decodeOne(resolved)
			if after.isIndirectMemJmp() && after.memDisp32() == resolved+0x1000 {
				dest = original
			} else {
				dest = resolved
			}
		}
		code = dest
	}

	return code
}
