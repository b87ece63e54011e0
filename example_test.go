package detour_test

import (
	"fmt"
	"sync"

	"github.com/anonymous5l/godetour"
)

// This mirrors the pattern an embedder is expected to wrap around a
// Table: a single process-wide instance, guarded by a reader/writer lock
// whose write side is only taken around the init-once Attach calls and
// the unload-time Close, with ordinary call traffic through the
// trampoline never touching the lock at all.
var (
	hooksOnce sync.Once
	hooksMu   sync.RWMutex
	hooks     *detour.Table
)

// installHooks is the init-once entry point an embedder's DllMain (or
// equivalent) would call exactly once per process, attaching every hook
// the embedder needs under a single write-locked section.
func installHooks(attach func(t *detour.Table) error) error {
	var err error
	hooksOnce.Do(func() {
		hooksMu.Lock()
		defer hooksMu.Unlock()
		hooks = detour.NewTable()
		err = attach(hooks)
	})
	return err
}

// teardownHooks is the unload-time counterpart, releasing every hook
// installed by installHooks.
func teardownHooks() error {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if hooks == nil {
		return nil
	}
	err := hooks.Close()
	hooks = nil
	return err
}

// Example demonstrates the embedder lifecycle: a process-wide Table
// created once, handed to a caller-supplied attach step, and torn down
// with Close. It deliberately attaches nothing (a real target/detour
// pair is always a pair of addresses the embedder resolves itself, e.g.
// via GetProcAddress) so it runs deterministically on any platform.
func Example() {
	err := installHooks(func(t *detour.Table) error { return nil })
	if err != nil {
		fmt.Println("install failed:", err)
		return
	}
	defer teardownHooks()

	fmt.Println("table ready:", hooks != nil)
	// Output:
	// table ready: true
}
