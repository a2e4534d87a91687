package scheduler

import (
	"sort"
	"sync"
	"time"
)

type timerEntry struct {
	gen   uint64
	timer *time.Timer
	due   time.Time
}

// Timers keeps at most one pending one-shot timer per key.
type Timers struct {
	mu      sync.Mutex
	timers  map[string]*timerEntry
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// NewTimers builds an empty timer registry.
func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*timerEntry)}
}

// After arms fn to run once after delay, replacing any pending timer for key.
func (t *Timers) After(key string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if delay < 0 {
		delay = 0
	}
	if old, ok := t.timers[key]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	entry := &timerEntry{gen: gen, due: time.Now().Add(delay)}
	entry.timer = time.AfterFunc(delay, func() { t.fire(key, gen, fn) })
	t.timers[key] = entry
}

// Cancel disarms the timer for key and reports whether one was pending.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, key)
	return true
}

// Pending reports whether a timer is armed for key.
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

// Due returns when the timer for key fires.
func (t *Timers) Due(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.due, true
}

// Keys lists keys with a pending timer.
func (t *Timers) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.timers))
	for key := range t.timers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stop disarms every timer and waits for callbacks already running.
func (t *Timers) Stop() {
	t.mu.Lock()
	t.stopped = true
	for key, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()
	t.running.Wait()
}

func (t *Timers) fire(key string, gen uint64, fn func()) {
	t.mu.Lock()
	entry, ok := t.timers[key]
	if !ok || entry.gen != gen || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.running.Add(1)
	t.mu.Unlock()

	defer t.running.Done()
	fn()
}
