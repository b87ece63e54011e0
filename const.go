package detour

// Tunable constants. Mirrors the compile-time constants of the system
// this package implements: a fixed region size, a fixed per-slot
// trampoline budget, and the x86 near/far search radii used when placing
// a region within reach of a target.
const (
	// detourRegionSize is the size of a single VirtualAlloc allocation
	// backing a region: 64 KiB.
	detourRegionSize = 0x10000

	// trampolineSlotSize is the size of one trampoline cell: the copied
	// prologue plus a 5-byte JMP rel32, so at most 27 bytes of prologue fit
	// (writeTrampoline rejects anything longer).
	trampolineSlotSize = 32

	// slotsPerRegion is the number of fixed-size slots carved out of one region.
	slotsPerRegion = detourRegionSize / trampolineSlotSize

	// prefetchInstSize bounds how many bytes of the target's prologue we
	// are willing to decode and relocate.
	prefetchInstSize = 0x20

	// neededBytes is the size of a relative JMP on x86: opcode + rel32.
	neededBytes = 5

	// nearSearchRadius splits the placement search: it tries the parts of
	// the reachable range more than 1GiB away from the target first, then
	// falls back to the +/-1GiB window around it, then to the whole range.
	nearSearchRadius = 0x40000000

	// farSearchRadius is the maximum displacement a 5-byte relative JMP
	// can reach, with slack reserved so the trampoline's own tail jump
	// also stays in range.
	farSearchRadius = 0x7FF80000
)

// systemRegionLo/Hi bound a range the Windows kernel tends to keep
// reserved; the placement search steps around it rather than through it.
const (
	systemRegionLo = 0x70000000
	systemRegionHi = 0x80000000
	systemRegionSkip = 0x08000000
)
