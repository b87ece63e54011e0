package detour

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulateFetchStopsOnceNeededBytesReached(t *testing.T) {
	table := NewTable()
	code := codeBuf(0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xC3) // 6 NOPs then RET
	seq, err := table.accumulateFetch(codeAddr(code))
	require.NoError(t, err)
	require.GreaterOrEqual(t, seq.total, neededBytes)
	require.Equal(t, neededBytes, seq.total) // 5 single-byte NOPs exactly meets the budget
}

func TestAccumulateFetchFailsOnShortLeafFunction(t *testing.T) {
	table := NewTable() // useFuncEndHeuristic defaults on
	code := codeBuf(0x90, 0x90, 0xC3)
	_, err := table.accumulateFetch(codeAddr(code))
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAccumulateFetchIgnoresFuncEndWhenHeuristicDisabled(t *testing.T) {
	table := NewTable()
	table.useFuncEndHeuristic = false
	code := codeBuf(0x90, 0x90, 0xC3, 0x90, 0x90, 0x90)
	seq, err := table.accumulateFetch(codeAddr(code))
	require.NoError(t, err)
	require.GreaterOrEqual(t, seq.total, neededBytes)
}

func TestWriteTrampolineCopiesPrologueVerbatim(t *testing.T) {
	f := withFakeOS(t)

	// A 5-byte CALL rel32 is exactly neededBytes, so it's the only
	// instruction accumulated; its displacement field must survive the
	// copy unchanged, not be adjusted for the trampoline's new address
	// (Invariant 3: the slot holds exactly the original bytes).
	target := make([]byte, maxInstLen+8)
	for i := range target {
		target[i] = 0x90
	}
	targetAddr := codeAddr(target)
	calleeAddr := targetAddr + 0x1000
	target[0] = 0xE8
	disp := int32(int64(calleeAddr) - int64(targetAddr) - 5)
	putU32(target, 1, uint32(disp))
	f.registerBlock(targetAddr, uintptr(len(target)), protectExecuteReadWrite)

	table := NewTable()
	seq, err := table.accumulateFetch(targetAddr)
	require.NoError(t, err)
	require.Equal(t, 5, seq.total)

	trampoline := make([]byte, trampolineSlotSize)
	trampolineAddr := codeAddr(trampoline)
	f.registerBlock(trampolineAddr, uintptr(len(trampoline)), protectExecuteReadWrite)

	require.NoError(t, writeTrampoline(trampolineAddr, targetAddr, seq))

	require.Equal(t, target[:5], trampoline[:5])

	// tail jump back to the rest of the original function
	require.Equal(t, byte(0xE9), trampoline[5])
	tailDisp := int32(uint32(trampoline[6]) | uint32(trampoline[7])<<8 | uint32(trampoline[8])<<16 | uint32(trampoline[9])<<24)
	tailTarget := trampolineAddr + 5 + 5 + uintptr(int64(tailDisp))
	require.Equal(t, targetAddr+5, tailTarget)
}

func TestPatchJmpThenRestoreBytes(t *testing.T) {
	f := withFakeOS(t)

	target := make([]byte, maxInstLen+8)
	for i := range target {
		target[i] = 0x90
	}
	targetAddr := codeAddr(target)
	f.registerBlock(targetAddr, uintptr(len(target)), protectExecuteReadWrite)

	original := append([]byte(nil), target[:neededBytes]...)
	detourAddr := targetAddr + 0x2000

	require.NoError(t, patchJmp(targetAddr, detourAddr))
	require.Equal(t, byte(0xE9), target[0])
	disp := int32(uint32(target[1]) | uint32(target[2])<<8 | uint32(target[3])<<16 | uint32(target[4])<<24)
	require.Equal(t, detourAddr, targetAddr+5+uintptr(int64(disp)))

	require.True(t, restoreBytes(targetAddr, original))
	require.Equal(t, original, target[:neededBytes])
}

func TestTableGetAfterDirectInsert(t *testing.T) {
	table := NewTable()
	d := &Detour{target: 0x1234}
	table.byAddr[0x1234] = d
	got, ok := table.Get(0x1234)
	require.True(t, ok)
	require.Same(t, d, got)
}

func TestAttachRejectsNilAddresses(t *testing.T) {
	table := NewTable()
	g := table.Lock()
	defer g.Close()
	_, err := g.Attach(0, 0x1000)
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = g.Attach(0x1000, 0)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAttachRejectsSelfDetour(t *testing.T) {
	withFakeOS(t)
	code := codeBuf(0x90, 0x90, 0x90, 0x90, 0x90)
	addr := codeAddr(code)
	table := NewTable()
	g := table.Lock()
	defer g.Close()
	_, err := g.Attach(addr, addr)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAttachRejectsOutOfRangeDetour(t *testing.T) {
	withFakeOS(t)
	code := codeBuf(0x90, 0x90, 0x90, 0x90, 0x90)
	addr := codeAddr(code)
	table := NewTable()
	g := table.Lock()
	defer g.Close()

	// A detour more than 2GiB away can never be encoded as a rel32 JMP
	// from addr; this must be detected and reported as NotEnoughMemory
	// rather than silently truncating the displacement.
	farDetour := addr + 0x7FFFFFFF + 0x1000
	_, err := g.Attach(addr, farDetour)
	require.ErrorIs(t, err, ErrNotEnoughMemory)
}

func TestReattachReplacesExistingDetour(t *testing.T) {
	f := withFakeOS(t)
	code := codeBuf(0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90)
	addr := codeAddr(code)
	f.registerBlock(addr, uintptr(len(code)), protectExecuteReadWrite)

	table := NewTable()
	g := table.Lock()

	d1, err := g.Attach(addr, addr+0x1000)
	require.NoError(t, err)
	require.Len(t, table.byAddr, 1)
	_ = d1

	d2, err := g.Attach(addr, addr+0x2000)
	require.NoError(t, err)
	require.Len(t, table.byAddr, 1)

	// Get takes Table.mu itself, so it must run after the guard (which
	// already holds that mutex) has been released.
	g.Close()

	got, ok := table.Get(addr)
	require.True(t, ok)
	require.Same(t, d2, got)
	require.Equal(t, addr+0x2000, got.detourFn)

	// The first detour's slot was returned to the free list before the
	// replacement was installed: net occupancy across every region is
	// exactly one live slot, whether or not the allocator happened to
	// reuse the same region for both.
	live := 0
	for _, r := range table.regions.regions {
		if r != nil {
			live += r.used
		}
	}
	require.Equal(t, 1, live)
}

// addrView is a uintptr-sized stand-in for a function-pointer type, used
// to check TrampolineAs's reinterpret-cast without actually invoking
// freshly-synthesized machine code (which needs a real executable page,
// not available from this test binary).
type addrView uintptr

func TestTrampolineAsViewsTrampolineAddress(t *testing.T) {
	d := &Detour{trampolineAddr: 0xDEADBEE0}
	require.Equal(t, addrView(0xDEADBEE0), TrampolineAs[addrView](d))
}

func TestCloseIsIdempotentOnGuard(t *testing.T) {
	table := NewTable()
	g := table.Lock()
	g.Close()
	g.Close() // must not double-unlock
}
