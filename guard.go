package detour

import "github.com/sirupsen/logrus"

// Guard holds exclusive access to a Table across a batch of Attach/Detach
// calls that must appear atomic to a concurrent reader, and to the final
// teardown in Table.Close. It plays the role of the reference
// implementation's scope guard, which unprotects every region's pages on
// construction and re-protects them (plus flushes the instruction cache)
// on drop; Go has no destructors, so that release step is Guard.Close,
// expected to run via defer.
type Guard struct {
	t        *Table
	released bool
}

// Lock acquires exclusive access to t, blocking until any other Lock,
// Attach, Detach or DetachAll in progress completes, then flips every
// live region to executable-read-write so the returned Guard's methods
// may write trampoline and target bytes (spec.md §4.4 "Locking", §4.6).
// Callers must call Guard.Close (typically via defer) to release it.
func (t *Table) Lock() *Guard {
	t.mu.Lock()
	if err := t.regions.unlock(); err != nil {
		logrus.WithError(err).Warn("failed to unlock regions for mutation")
	}
	return &Guard{t: t}
}

// Close flips every live region back to executable-read, flushing the
// instruction cache over them, then releases the exclusive access
// acquired by Lock. Calling it more than once is a no-op.
func (g *Guard) Close() {
	if g.released {
		return
	}
	g.released = true
	if err := g.t.regions.lock(); err != nil {
		logrus.WithError(err).Warn("failed to re-protect regions on guard release")
	}
	g.t.mu.Unlock()
}

// Attach installs a hook redirecting targetAddr to detourFn, returning a
// Detour whose Trampoline still reaches the original code. See
// Table.attachLocked for the full semantics.
func (g *Guard) Attach(targetAddr, detourFn uintptr) (*Detour, error) {
	return g.t.attachLocked(targetAddr, detourFn)
}

// AttachPtr is a convenience wrapper over Attach for the Pointer/
// FunctionPointer address wrappers.
func (g *Guard) AttachPtr(target, detourFn addressable) (*Detour, error) {
	return g.t.attachLocked(target.RawAddr(), detourFn.RawAddr())
}

// Detach removes the hook at target (as resolved by a prior Attach),
// restoring the original bytes and releasing its trampoline slot. It is a
// no-op if target has no active detour, and best-effort otherwise: it
// never reports an error to the caller.
func (g *Guard) Detach(target uintptr) {
	g.t.detachLocked(target)
}

// DetachAll removes every active hook, logging (rather than aborting on)
// any individual restoration failure so a single stuck page doesn't
// prevent the rest from being torn down.
func (g *Guard) DetachAll() {
	g.t.detachAllLocked()
}

// Close tears down every hook owned by t and releases their trampoline
// regions. After Close, t must not be used again.
func (t *Table) Close() error {
	g := t.Lock()
	defer g.Close()
	g.DetachAll()
	return nil
}
