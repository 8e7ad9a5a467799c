package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type heartbeatTimer struct {
	gen   uint64
	timer clockwork.Timer
}

// heartbeatTimers holds at most one pending timeout per device. Every arm gets
// a new generation; a callback whose generation is no longer current does
// nothing, so a late fire after re-arm or cancel is harmless.
//
// It also remembers which devices were marked offline since their last
// heartbeat so the timer and the sweep never mark the same silence twice.
type heartbeatTimers struct {
	clock clockwork.Clock

	mu      sync.Mutex
	gen     uint64
	pending map[int64]*heartbeatTimer
	marked  map[int64]struct{}
}

func newHeartbeatTimers(clock clockwork.Clock) *heartbeatTimers {
	return &heartbeatTimers{
		clock:   clock,
		pending: make(map[int64]*heartbeatTimer),
		marked:  make(map[int64]struct{}),
	}
}

// arm cancels the device's pending timer and starts a new one in the same
// critical section. onExpire runs on its own goroutine, only if this timer is
// still current when it fires.
func (t *heartbeatTimers) arm(id int64, timeout time.Duration, onExpire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[id]; ok {
		prev.timer.Stop()
	}
	delete(t.marked, id)

	t.gen++
	gen := t.gen
	entry := &heartbeatTimer{gen: gen}
	entry.timer = t.clock.AfterFunc(timeout, func() {
		if t.fire(id, gen) {
			onExpire()
		}
	})
	t.pending[id] = entry
}

// fire consumes the timer if gen is current and claims the offline mark.
func (t *heartbeatTimers) fire(id int64, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[id]
	if !ok || entry.gen != gen {
		return false
	}
	delete(t.pending, id)
	t.marked[id] = struct{}{}
	return true
}

// claim lets the sweep mark a device offline. It refuses while a timer is
// pending, since that timer owns the current window, and when the device was
// already marked.
func (t *heartbeatTimers) claim(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; ok {
		return false
	}
	if _, ok := t.marked[id]; ok {
		return false
	}
	t.marked[id] = struct{}{}
	return true
}

// unmark releases the offline mark so the sweep can retry the device.
func (t *heartbeatTimers) unmark(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marked, id)
}

func (t *heartbeatTimers) isMarked(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.marked[id]
	return ok
}

// cancel stops and forgets the device's timer and offline mark. A timer that
// already fired may still be marking the device; markOffline drops its event
// once it sees the mark is gone.
func (t *heartbeatTimers) cancel(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.pending[id]; ok {
		entry.timer.Stop()
		delete(t.pending, id)
	}
	delete(t.marked, id)
}

func (t *heartbeatTimers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, id)
	}
	t.marked = make(map[int64]struct{})
}

func (t *heartbeatTimers) isPending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

func (t *heartbeatTimers) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
