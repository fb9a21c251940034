package webhook

import (
	"sync"
	"time"
)

// dedupe remembers delivery ids that were processed successfully so that a
// provider retry of the same delivery is acknowledged without running the
// rules again. Entries expire after ttl; a zero ttl disables it.
type dedupe struct {
	mu        sync.Mutex
	ttl       time.Duration
	clock     func() time.Time
	seen      map[string]time.Time
	lastSweep time.Time
}

func newDedupe(ttl time.Duration, clock func() time.Time) *dedupe {
	return &dedupe{ttl: ttl, clock: clock, seen: make(map[string]time.Time)}
}

func (d *dedupe) Seen(id string) bool {
	if d.ttl <= 0 || id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[id]
	return ok && d.clock().Sub(at) < d.ttl
}

func (d *dedupe) Mark(id string) {
	if d.ttl <= 0 || id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	d.seen[id] = now
	if now.Sub(d.lastSweep) < d.ttl {
		return
	}
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	d.lastSweep = now
}
