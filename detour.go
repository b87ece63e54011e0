package detour

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// fetchSeq is the run of whole instructions accumulated from a target's
// prologue, long enough (neededBytes or more, in total encoded length) to
// overwrite with a 5-byte JMP without splitting an instruction in half.
type fetchSeq struct {
	insts []decodedInst
	total int
}

// Detour is one active hook: the resolved target, the detour function it
// now jumps to, and the trampoline slot holding the relocated original
// prologue plus a tail jump back to the rest of the original function.
type Detour struct {
	target         uintptr
	original       uintptr
	detourFn       uintptr
	fetch          fetchSeq
	savedBytes     []byte
	slot           slotIndex
	trampolineAddr uintptr
}

// Target returns the resolved hook address (after thunk-skipping), which
// may differ from the address originally passed to Attach.
func (d *Detour) Target() uintptr { return d.target }

// Trampoline returns the address of the relocated-prologue-plus-tail-jump
// that continues executing the original function. Callers cast it to a
// function pointer of the appropriate signature, e.g.
// `orig := *(*func(int) int)(unsafe.Pointer(&addr))`, or use TrampolineAs.
func (d *Detour) Trampoline() uintptr { return d.trampolineAddr }

// TrampolineAs views d's trampoline entry as a callable T (a func type
// matching the original function's signature). Go cannot parametrize a
// method over a type parameter its receiver doesn't carry, so this is a
// package-level generic function rather than a generic method, standing
// in for the reference implementation's `Detour::trampoline::<T>()`.
func TrampolineAs[T any](d *Detour) T {
	addr := d.trampolineAddr
	return *(*T)(unsafe.Pointer(&addr)) //nolint:govet
}

// Table owns every active Detour and the region allocator backing their
// trampolines. The zero value is not usable; construct with NewTable.
type Table struct {
	mu      sync.Mutex
	regions regionSet
	byAddr  map[uintptr]*Detour

	// useFuncEndHeuristic stops prologue accumulation at the first
	// RET/JMP-class instruction even if neededBytes hasn't been reached
	// yet, refusing to hook a function shorter than a 5-byte JMP rather
	// than risk copying past its end.
	useFuncEndHeuristic bool
}

// NewTable constructs an empty hook table with the function-end heuristic
// enabled.
func NewTable() *Table {
	return &Table{
		byAddr:              make(map[uintptr]*Detour),
		useFuncEndHeuristic: true,
	}
}

// attachLocked installs a hook redirecting targetAddr to detourFn,
// returning a Detour whose Trampoline still reaches the original code.
// targetAddr is resolved through skipJmp first, so hooking a DLL's
// IAT-thunk stub or an exported forwarder stub attaches to the real
// function underneath. Callers must hold t.mu (see Guard.Attach).
func (t *Table) attachLocked(targetAddr, detourFn uintptr) (*Detour, error) {
	if targetAddr == 0 || detourFn == 0 {
		return nil, ErrInvalidAddress
	}

	lead := decodeOne(targetAddr)
	if lead.len == 0 {
		return nil, ErrInvalidAddress
	}
	resolved := skipJmp(lead)
	if resolved == 0 || resolved == detourFn {
		return nil, ErrInvalidAddress
	}
	// The region allocator's search window is defined by resolved alone
	// (findJmpBounds below); an out-of-reach detourFn would silently
	// truncate the rel32 displacement instead of ever being caught by
	// that search, so it's checked explicitly up front.
	if _, ok := jmpDisplacement(resolved, detourFn); !ok {
		return nil, ErrNotEnoughMemory
	}

	// A detour already installed at resolved is replaced outright: detach
	// it (restoring the original bytes) before re-running the normal
	// attach flow against the now-clean prologue. This is what makes
	// attach(t, d1); attach(t, d2) behave as detach(t); attach(t, d2)
	// (spec.md §8, "Re-attach replaces").
	t.detachLocked(resolved)

	seq, err := t.accumulateFetch(resolved)
	if err != nil {
		return nil, err
	}

	bound := findJmpBounds(decodedInst{ip: resolved})
	slot, err := t.regions.placeRegion(resolved, bound)
	if err != nil {
		return nil, err
	}

	trampolineAddr := t.regions.addr(slot)
	if err := writeTrampoline(trampolineAddr, resolved, seq); err != nil {
		t.regions.release(slot)
		return nil, err
	}

	saved := peekBytes(resolved, neededBytes)
	if err := patchJmp(resolved, detourFn); err != nil {
		t.regions.release(slot)
		return nil, err
	}

	d := &Detour{
		target:         resolved,
		original:       targetAddr,
		detourFn:       detourFn,
		fetch:          seq,
		savedBytes:     saved,
		slot:           slot,
		trampolineAddr: trampolineAddr,
	}
	t.byAddr[resolved] = d

	logrus.WithFields(logrus.Fields{
		"target":      formatAddr(resolved),
		"detour":      formatAddr(detourFn),
		"trampoline":  formatAddr(trampolineAddr),
		"prologueLen": seq.total,
	}).Debug("detour attached")

	return d, nil
}

// detachLocked removes the hook at target, restoring its original bytes
// and releasing its trampoline slot. It is a no-op if target has no active
// detour, and best-effort otherwise: if restoring the original bytes
// fails, the entry is left in place and the target stays hooked rather
// than reporting an error the caller has no way to act on.
func (t *Table) detachLocked(target uintptr) {
	d, ok := t.byAddr[target]
	if !ok {
		return
	}
	if !restoreBytes(d.target, d.savedBytes) {
		logrus.WithField("target", formatAddr(target)).
			Warn("failed to restore original bytes, leaving hook installed")
		return
	}
	t.regions.release(d.slot)
	delete(t.byAddr, target)
	logrus.WithField("target", formatAddr(target)).Debug("detour detached")
}

func (t *Table) detachAllLocked() {
	addrs := make([]uintptr, 0, len(t.byAddr))
	for addr := range t.byAddr {
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		t.detachLocked(addr)
	}
}

// Get returns the active Detour for a resolved target address, if any.
func (t *Table) Get(target uintptr) (*Detour, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byAddr[target]
	return d, ok
}

// accumulateFetch decodes whole instructions starting at addr until their
// combined length reaches neededBytes, stopping early (and failing) if
// useFuncEndHeuristic is set and a RET/JMP-class instruction is reached
// first.
func (t *Table) accumulateFetch(addr uintptr) (fetchSeq, error) {
	it := newDecoder(addr)
	var seq fetchSeq
	for {
		inst, ok := it.next()
		if !ok {
			break
		}
		seq.insts = append(seq.insts, inst)
		seq.total += inst.len
		if seq.total >= neededBytes {
			return seq, nil
		}
		if t.useFuncEndHeuristic && inst.endsFunction() {
			break
		}
	}
	return fetchSeq{}, ErrInvalidAddress
}

// writeTrampoline copies seq's instructions into dst verbatim (Invariant 3:
// the bytes at a detour's slot are exactly the bytes that resided at its
// target, decoded on instruction boundaries, never relocated), then appends
// a JMP rel32 back to the original code immediately following the copied
// prologue.
func writeTrampoline(dst, src uintptr, seq fetchSeq) error {
	if trampolineSlotSize < seq.total+neededBytes {
		return ErrInvalidAddress
	}

	cursor := dst
	for _, inst := range seq.insts {
		writeBytes(cursor, peekBytes(inst.ip, inst.len))
		cursor += uintptr(inst.len)
	}

	writeJmpImmediate(cursor, src+uintptr(seq.total))
	return osImpl.flushInstructionCache(dst, trampolineSlotSize)
}

// patchJmp overwrites target's first neededBytes with a JMP rel32 to
// detourFn, round-tripping the page protection to writable and flushing
// the instruction cache afterward.
func patchJmp(target, detourFn uintptr) error {
	old, err := osImpl.vprotect(target, neededBytes, protectExecuteReadWrite)
	if err != nil {
		return err
	}
	writeJmpImmediate(target, detourFn)
	_, err = osImpl.vprotect(target, neededBytes, old)
	if err != nil {
		return err
	}
	return osImpl.flushInstructionCache(target, neededBytes)
}

// restoreBytes writes saved back over target, the inverse of patchJmp.
// It reports whether the write itself happened; a failure to flip the
// page back to its prior protection or to flush the instruction cache
// afterward is logged and swallowed rather than reported, since the bytes
// are already restored by that point.
func restoreBytes(target uintptr, saved []byte) bool {
	old, err := osImpl.vprotect(target, uintptr(len(saved)), protectExecuteReadWrite)
	if err != nil {
		return false
	}
	writeBytes(target, saved)
	if _, err := osImpl.vprotect(target, uintptr(len(saved)), old); err != nil {
		logrus.WithError(err).WithField("target", formatAddr(target)).
			Warn("failed to restore page protection after detach")
	}
	if err := osImpl.flushInstructionCache(target, uintptr(len(saved))); err != nil {
		logrus.WithError(err).WithField("target", formatAddr(target)).
			Warn("failed to flush instruction cache after detach")
	}
	return true
}

func writeBytes(dst uintptr, b []byte) {
	for i, v := range b {
		*(*byte)(unsafe.Pointer(dst + uintptr(i))) = v //nolint:govet
	}
}

func formatAddr(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
