package session

import (
	"sync"
	"time"
)

// watchdog tracks stream progress and reports stalls. It never ends a stream.
type watchdog struct {
	firstEvent time.Duration
	idle       time.Duration

	mu        sync.Mutex
	connected time.Time
	last      time.Time
	events    int
	warned    bool
}

func newWatchdog(firstEvent, idle time.Duration, now time.Time) *watchdog {
	return &watchdog{firstEvent: firstEvent, idle: idle, connected: now}
}

func (w *watchdog) observe(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events++
	w.last = now
	w.warned = false
}

// check returns a warning at most once per stall.
func (w *watchdog) check(now time.Time) (string, time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warned {
		return "", 0, false
	}
	if w.events == 0 {
		if waited := now.Sub(w.connected); w.firstEvent > 0 && waited >= w.firstEvent {
			w.warned = true
			return "no event received since stream opened", waited, true
		}
		return "", 0, false
	}
	if quiet := now.Sub(w.last); w.idle > 0 && quiet >= w.idle {
		w.warned = true
		return "no new event received", quiet, true
	}
	return "", 0, false
}
