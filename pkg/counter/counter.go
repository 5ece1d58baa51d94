// Package counter implements the monotonic mutation counters and the
// blocking-wait mechanism that lets synchronous requests observe the effects
// of asynchronously applied catalog events.
package counter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Category names a mutation counter. Counters are independent; waiting on
// one never interacts with another.
type Category string

const (
	// PermChange counts applied privilege mutations.
	PermChange Category = "perm_change"
	// PathChange counts applied path/location mutations.
	PathChange Category = "path_change"
	// Notification tracks the last processed catalog notification id.
	Notification Category = "notification"
)

// Categories returns every known counter category.
func Categories() []Category {
	return []Category{PermChange, PathChange, Notification}
}

// ErrWaitTimeout is returned when WaitFor exceeds its budget. It is
// retryable and must never be conflated with a Deny decision.
var ErrWaitTimeout = errors.New("timed out waiting for counter")

type waiter struct {
	target int64
	ch     chan int64
}

// Wait tracks the in-memory view of each counter and parks callers until a
// target value is reached. Writers advance it after their paired store write
// has committed; readers block through WaitFor.
type Wait struct {
	mu      sync.Mutex
	values  map[Category]int64
	waiters map[Category][]*waiter
}

// New creates a Wait with all counters at zero. Seed persisted values with
// Update before serving traffic.
func New() *Wait {
	return &Wait{
		values:  make(map[Category]int64),
		waiters: make(map[Category][]*waiter),
	}
}

// Value returns the current value of a category.
func (w *Wait) Value(c Category) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.values[c]
}

// WaiterCount returns how many callers are currently parked on a category.
func (w *Wait) WaiterCount(c Category) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters[c])
}

// Advance increments a category by one and releases every waiter whose
// target is now met. Returns the new value.
func (w *Wait) Advance(c Category) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[c]++
	v := w.values[c]
	w.release(c, v)
	return v
}

// Update raises a category to at least v; lower values are ignored so the
// counter stays monotonic. Used by writers publishing a committed counter
// value and at startup to seed from the store.
func (w *Wait) Update(c Category, v int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v > w.values[c] {
		w.values[c] = v
		w.release(c, v)
	}
	return w.values[c]
}

// release hands the current value to every satisfied waiter. Caller holds mu.
func (w *Wait) release(c Category, v int64) {
	pending := w.waiters[c][:0]
	for _, wt := range w.waiters[c] {
		if wt.target <= v {
			wt.ch <- v
		} else {
			pending = append(pending, wt)
		}
	}
	w.waiters[c] = pending
}

// WaitFor blocks until the category reaches target, the timeout elapses, or
// the context is cancelled. Unrelated work proceeds; only the calling
// goroutine parks. On timeout it returns ErrWaitTimeout, never a stale
// value.
func (w *Wait) WaitFor(ctx context.Context, c Category, target int64, timeout time.Duration) (int64, error) {
	w.mu.Lock()
	if v := w.values[c]; v >= target {
		w.mu.Unlock()
		return v, nil
	}
	wt := &waiter{target: target, ch: make(chan int64, 1)}
	w.waiters[c] = append(w.waiters[c], wt)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-wt.ch:
		return v, nil
	case <-timer.C:
		w.remove(c, wt)
		return 0, ErrWaitTimeout
	case <-ctx.Done():
		w.remove(c, wt)
		return 0, ctx.Err()
	}
}

func (w *Wait) remove(c Category, target *waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.waiters[c][:0]
	for _, wt := range w.waiters[c] {
		if wt != target {
			kept = append(kept, wt)
		}
	}
	w.waiters[c] = kept
}
