// Package dedup remembers ids for a TTL so repeated deliveries are applied once.
package dedup

import (
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
)

type Deduper struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	max   int
	seen  map[string]time.Time
}

func New(c clock.Clock, ttl time.Duration, max int) *Deduper {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{clock: c, ttl: ttl, max: max, seen: make(map[string]time.Time)}
}

// ShouldProcess reports whether id is new (or expired) and records it.
// The empty id is always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

// evict drops expired ids, then the ones closest to expiry, until under max.
func (d *Deduper) evict(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, exp := range d.seen {
			if oldest == "" || exp.Before(oldestExp) {
				oldest, oldestExp = k, exp
			}
		}
		delete(d.seen, oldest)
	}
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.mu.Unlock()
}
