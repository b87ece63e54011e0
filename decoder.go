package detour

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// decodeMode is the processor mode, in bits, this package decodes for:
// 32-bit x86, per spec.
const decodeMode = 32

// maxInstLen is the longest an x86 instruction can be; decodeOne never
// needs to read more bytes than this to decode a single instruction.
const maxInstLen = 15

// decodedInst is the facade spec.md §4.3 asks for: it carries an
// instruction's address, encoded length, opcode class and (for branch or
// memory-operand forms) its resolved displacement, without exposing the
// underlying x86asm.Inst to the rest of the package.
type decodedInst struct {
	ip  uintptr
	len int
	op  x86asm.Op
	raw x86asm.Inst
}

// peekBytes reads n bytes of already-mapped, executable code starting at
// addr. This is the same direct memory access the teacher performs in
// unsafeReadMemory, generalized to a []byte return.
func peekBytes(addr uintptr, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = *(*byte)(unsafe.Pointer(addr + uintptr(i))) //nolint:govet
	}
	return out
}

// decodeOne decodes exactly one instruction at addr. An instruction with
// len == 0 indicates decode failure.
func decodeOne(addr uintptr) decodedInst {
	src := peekBytes(addr, maxInstLen)
	inst, err := x86asm.Decode(src, decodeMode)
	if err != nil {
		return decodedInst{ip: addr}
	}
	return decodedInst{ip: addr, len: inst.Len, op: inst.Op, raw: inst}
}

// isRel8Jmp reports whether this is the 2-byte short-form JMP rel8 (EB cb).
func (d decodedInst) isRel8Jmp() bool {
	if d.op != x86asm.JMP || d.len != 2 {
		return false
	}
	_, ok := d.raw.Args[0].(x86asm.Rel)
	return ok
}

// isRel32Jmp reports whether this is the 5-byte near-form JMP rel32 (E9 cd).
func (d decodedInst) isRel32Jmp() bool {
	if d.op != x86asm.JMP || d.len != 5 {
		return false
	}
	_, ok := d.raw.Args[0].(x86asm.Rel)
	return ok
}

// isIndirectMemJmp reports whether this is JMP [mem32] (FF /4 with a
// pure-displacement memory operand, the shape an import thunk takes).
func (d decodedInst) isIndirectMemJmp() bool {
	if d.op != x86asm.JMP {
		return false
	}
	mem, ok := d.raw.Args[0].(x86asm.Mem)
	return ok && mem.Base == 0 && mem.Index == 0
}

// endsFunction reports whether this instruction is RET-class or an
// unconditional branch that must not be copied past when accumulating a
// relocatable prologue (spec.md §4.2's optional does_code_end_function
// seam).
func (d decodedInst) endsFunction() bool {
	switch d.op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP:
		return true
	default:
		return false
	}
}

// relTarget returns the absolute address a relative JMP resolves to.
// Valid only when isRel8Jmp or isRel32Jmp is true.
func (d decodedInst) relTarget() uintptr {
	rel, ok := d.raw.Args[0].(x86asm.Rel)
	if !ok {
		return 0
	}
	return d.ip + uintptr(d.len) + uintptr(int32(rel))
}

// memDisp32 returns the memory operand's displacement, i.e. the address
// the indirect JMP reads its true destination from. Valid only when
// isIndirectMemJmp is true.
func (d decodedInst) memDisp32() uintptr {
	mem, ok := d.raw.Args[0].(x86asm.Mem)
	if !ok {
		return 0
	}
	return uintptr(mem.Disp)
}

// instIter decodes successive instructions starting at an address, up to
// a bounded byte window, stopping on the first decode failure.
type instIter struct {
	addr uintptr
	left int
	done bool
}

// newDecoder produces an iterator bounded to prefetchInstSize bytes in
// total, the most of a target's prologue this package decodes.
func newDecoder(addr uintptr) *instIter {
	return newDecoderSize(addr, prefetchInstSize)
}

// newDecoderSize produces an iterator that stops yielding instructions once
// size bytes have been consumed. The last instruction it yields may extend
// past size, since it started within the budget.
func newDecoderSize(addr uintptr, size int) *instIter {
	return &instIter{addr: addr, left: size}
}

// next returns the next decoded instruction, or false once the iterator
// is exhausted (byte budget spent, or a decode failure was hit).
func (it *instIter) next() (decodedInst, bool) {
	if it.done || it.left <= 0 {
		return decodedInst{}, false
	}
	inst := decodeOne(it.addr)
	if inst.len == 0 {
		it.done = true
		return decodedInst{}, false
	}
	it.addr += uintptr(inst.len)
	it.left -= inst.len
	return inst, true
}
