package gcs

import (
	"sync"
	"time"
)

// TimeoutCookie identifies one armed timeout. Cookies stay valid for
// refresh and unregister until the timeout fires or is unregistered;
// stale cookies are ignored.
type TimeoutCookie int64

type timeoutEntry struct {
	timer    *time.Timer
	duration time.Duration
}

// timeoutRegistry serializes register/refresh/unregister so the
// protocol engines can manage timeouts from any goroutine. Callbacks
// run on timer goroutines, outside the registry lock.
type timeoutRegistry struct {
	mu      sync.Mutex
	nextID  TimeoutCookie
	entries map[TimeoutCookie]*timeoutEntry
}

func newTimeoutRegistry() *timeoutRegistry {
	return &timeoutRegistry{
		entries: make(map[TimeoutCookie]*timeoutEntry),
	}
}

func (r *timeoutRegistry) register(d time.Duration, cb func()) TimeoutCookie {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	cookie := r.nextID
	entry := &timeoutEntry{duration: d}
	entry.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		_, live := r.entries[cookie]
		delete(r.entries, cookie)
		r.mu.Unlock()

		// A concurrent unregister wins over a firing timer.
		if live {
			cb()
		}
	})
	r.entries[cookie] = entry
	return cookie
}

func (r *timeoutRegistry) refresh(cookie TimeoutCookie) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[cookie]; ok {
		entry.timer.Stop()
		entry.timer.Reset(entry.duration)
	}
}

func (r *timeoutRegistry) unregister(cookie TimeoutCookie) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[cookie]; ok {
		entry.timer.Stop()
		delete(r.entries, cookie)
	}
}
