package detour

import "sync"

// slotIndex addresses one trampoline cell: the region it lives in, and
// its position within that region's fixed-size slot array. Kept as a
// plain value pair rather than a pointer into regionSet's backing slice,
// since that slice can grow and reallocate as new regions are placed.
type slotIndex struct {
	region int
	slot   int
}

// region is one VirtualAlloc-backed 64 KiB block, carved into
// slotsPerRegion fixed-size trampoline cells. occupied tracks which cells
// are in use; freeHint is the lowest index worth probing first.
type region struct {
	base     uintptr
	occupied [slotsPerRegion]bool
	freeHint int
	used     int
}

func (r *region) slotAddr(i int) uintptr {
	return r.base + uintptr(i)*trampolineSlotSize
}

// allocSlot claims the first free cell at or after freeHint, advancing
// freeHint past it. Returns false if the region is full.
func (r *region) allocSlot() (int, bool) {
	for i := r.freeHint; i < slotsPerRegion; i++ {
		if !r.occupied[i] {
			r.occupied[i] = true
			r.used++
			r.freeHint = i + 1
			return i, true
		}
	}
	for i := 0; i < r.freeHint; i++ {
		if !r.occupied[i] {
			r.occupied[i] = true
			r.used++
			return i, true
		}
	}
	return 0, false
}

func (r *region) freeSlot(i int) {
	if !r.occupied[i] {
		return
	}
	r.occupied[i] = false
	r.used--
	if i < r.freeHint {
		r.freeHint = i
	}
}

// regionSet owns every region this package has allocated, guarded by a
// single mutex; Table embeds one and serializes all placement/attach work
// through Table.Lock (guard.go), so this mutex exists for the allocator's
// own bookkeeping rather than as the package's primary lock.
type regionSet struct {
	mu      sync.Mutex
	regions []*region
}

// placeRegion finds or creates a region with a free slot whose address
// falls within bound, preferring an existing region over a fresh
// allocation. target is the hook target address bound was computed from;
// a fresh allocation prioritizes windows close to it before falling back
// to the whole bound (see allocateNew).
func (rs *regionSet) placeRegion(target uintptr, bound addrBound) (slotIndex, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if idx, ok := rs.findFreeSlot(bound); ok {
		return idx, nil
	}

	base, err := rs.allocateNew(target, bound)
	if err != nil {
		return slotIndex{}, err
	}
	r := &region{base: base}
	slot, _ := r.allocSlot()
	rs.regions = append(rs.regions, r)
	return slotIndex{region: len(rs.regions) - 1, slot: slot}, nil
}

// unlock flips every live region's pages to executable-read-write so a
// Guard holder may write trampoline bytes and target redirects. Called
// by Table.Lock, mirroring the reference implementation's Regions::unlock.
func (rs *regionSet) unlock() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.regions {
		if r == nil {
			continue
		}
		if _, err := osImpl.vprotect(r.base, detourRegionSize, protectExecuteReadWrite); err != nil {
			return err
		}
	}
	return nil
}

// lock flips every live region's pages back to executable-read and
// flushes the instruction cache over them, restoring Invariant 1 (every
// region is executable-read-only outside a guarded mutation window).
// Called by Guard.Close, mirroring Regions::lock.
func (rs *regionSet) lock() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.regions {
		if r == nil {
			continue
		}
		if _, err := osImpl.vprotect(r.base, detourRegionSize, protectExecuteRead); err != nil {
			return err
		}
		if err := osImpl.flushInstructionCache(r.base, detourRegionSize); err != nil {
			return err
		}
	}
	return nil
}

func (rs *regionSet) findFreeSlot(bound addrBound) (slotIndex, bool) {
	for i, r := range rs.regions {
		if r == nil {
			// Freed by an earlier release() once its last slot emptied
			// out; the slice keeps the index as a tombstone rather than
			// shifting every later region's index.
			continue
		}
		if r.used >= slotsPerRegion {
			continue
		}
		if !bound.contains(r.base) || !bound.contains(r.base+detourRegionSize-1) {
			continue
		}
		slot, ok := r.allocSlot()
		if !ok {
			continue
		}
		return slotIndex{region: i, slot: slot}, true
	}
	return slotIndex{}, false
}

// searchWindow pairs a candidate placement range with the walk direction
// detour_alloc_region_from_hi/_lo would use for it.
type searchWindow struct {
	bound  addrBound
	fromHi bool
}

// allocateNew places a fresh region's base address within bound, trying
// the six windows of spec.md §4.4.1 in order: far-below (hi-to-lo),
// far-above (lo-to-hi), near-below fallback (lo-to-hi), near-above
// fallback (hi-to-lo), then the whole bound below target and the whole
// bound above target. Mirrors detour_alloc_trampoline_allocate_new,
// except its duplicated far-above step (spec.md §9's Open Question) is
// issued only once here.
func (rs *regionSet) allocateNew(targetHint uintptr, bound addrBound) (uintptr, error) {
	target := alignDown(targetHint, detourRegionSize)

	windows := []searchWindow{
		{addrBound{lo: bound.lo, hi: subSat(target, nearSearchRadius)}, true},
		{addrBound{lo: addSat(target, nearSearchRadius), hi: bound.hi}, false},
		{addrBound{lo: subSat(target, nearSearchRadius), hi: target}, false},
		{addrBound{lo: target, hi: addSat(target, nearSearchRadius)}, true},
		{addrBound{lo: bound.lo, hi: target}, true},
		{addrBound{lo: target, hi: bound.hi}, false},
	}

	for _, w := range windows {
		if w.bound.hi <= w.bound.lo || w.bound.hi-w.bound.lo < detourRegionSize {
			continue
		}
		var addr uintptr
		var ok, abort bool
		if w.fromHi {
			addr, ok, abort = rs.searchFromHi(w.bound)
		} else {
			addr, ok, abort = rs.searchFromLo(w.bound)
		}
		if abort {
			// The OS's dynamic-code policy refused an allocation that
			// otherwise succeeded; give up on placement entirely rather
			// than trying the remaining windows (spec.md §4.4.1).
			return 0, ErrNotEnoughMemory
		}
		if ok {
			return addr, nil
		}
	}
	return 0, ErrNotEnoughMemory
}

func subSat(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return 0
}

func addSat(a, b uintptr) uintptr {
	max := ^uintptr(0)
	if a < max-b {
		return a + b
	}
	return max
}

// searchFromHi walks candidate base addresses downward from w.hi,
// skipping the kernel's reserved range, committing the first free span it
// finds via osImpl.vquery. abort reports that a successful allocation was
// rejected by the OS's dynamic-code policy, in which case the caller must
// give up on placement entirely rather than try another window.
func (rs *regionSet) searchFromHi(w addrBound) (addr uintptr, ok bool, abort bool) {
	pb := alignDown(w.hi-detourRegionSize, detourRegionSize)
	for pb >= w.lo && pb != 0 {
		if inSystemRange(pb) {
			pb = alignDown(subSat(systemRegionLo-systemRegionSkip, detourRegionSize), detourRegionSize)
			continue
		}
		committed, blocked := rs.tryCommit(pb)
		if blocked {
			return 0, false, true
		}
		if committed {
			return pb, true, false
		}
		next := pb - detourRegionSize
		if next >= pb {
			break
		}
		pb = next
	}
	return 0, false, false
}

// searchFromLo mirrors searchFromHi walking upward from w.lo.
func (rs *regionSet) searchFromLo(w addrBound) (addr uintptr, ok bool, abort bool) {
	pb := alignUp(w.lo, detourRegionSize)
	for pb <= w.hi-detourRegionSize && pb != 0 {
		if inSystemRange(pb) {
			pb = alignUp(systemRegionHi+systemRegionSkip, detourRegionSize)
			continue
		}
		committed, blocked := rs.tryCommit(pb)
		if blocked {
			return 0, false, true
		}
		if committed {
			return pb, true, false
		}
		next := pb + detourRegionSize
		if next <= pb {
			break
		}
		pb = next
	}
	return 0, false, false
}

// tryCommit attempts to reserve+commit one region-sized, executable
// read-write block at addr. blocked reports that the allocation itself
// succeeded but the OS's dynamic-code-execution policy forbids using it,
// per spec.md §4.4.1 ("On success, if check_dynamic_code_blocked() is
// true, give up entirely"); the block is released rather than kept.
func (rs *regionSet) tryCommit(addr uintptr) (committed bool, blocked bool) {
	if _, mapped := osImpl.vquery(addr); mapped {
		return false, false
	}
	got, err := osImpl.valloc(addr, detourRegionSize, stateCommit|stateReserve, protectExecuteReadWrite)
	if err != nil {
		return false, false
	}
	if got != addr {
		_ = osImpl.vfree(got)
		return false, false
	}
	if osImpl.dynamicCodeBlocked() {
		_ = osImpl.vfree(got)
		return false, true
	}
	return true, false
}

func inSystemRange(addr uintptr) bool {
	return addr >= systemRegionLo-systemRegionSkip && addr < systemRegionHi+systemRegionSkip
}

func alignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// release frees the slot at idx; if that empties its region entirely, the
// region's VirtualAlloc block is released too.
func (rs *regionSet) release(idx slotIndex) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if idx.region < 0 || idx.region >= len(rs.regions) {
		return
	}
	r := rs.regions[idx.region]
	r.freeSlot(idx.slot)
	if r.used == 0 {
		_ = osImpl.vfree(r.base)
		rs.regions[idx.region] = nil
	}
}

func (rs *regionSet) addr(idx slotIndex) uintptr {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.regions[idx.region].slotAddr(idx.slot)
}
