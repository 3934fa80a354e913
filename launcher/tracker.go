package launcher

import "sync"

// completionTracker is a counted latch. Work items are added while the
// launcher dispatches them; seal marks the end of dispatching.
// onDrained runs exactly once, after seal, when every added item is done.
type completionTracker struct {
	mu        sync.Mutex
	pending   int
	sealed    bool
	fired     bool
	onDrained func()
}

func newCompletionTracker(onDrained func()) *completionTracker {
	return &completionTracker{onDrained: onDrained}
}

func (t *completionTracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		panic("completionTracker: add after seal")
	}
	t.pending++
}

func (t *completionTracker) done() {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		panic("completionTracker: done without add")
	}
	t.pending--
	fire := t.drainedLocked()
	t.mu.Unlock()
	if fire {
		t.onDrained()
	}
}

func (t *completionTracker) seal() {
	t.mu.Lock()
	t.sealed = true
	fire := t.drainedLocked()
	t.mu.Unlock()
	if fire {
		t.onDrained()
	}
}

func (t *completionTracker) drainedLocked() bool {
	if !t.sealed || t.pending > 0 || t.fired {
		return false
	}
	t.fired = true
	return true
}
