package clock

import (
	"sync"
	"time"
)

// Fake is a Clock whose time only moves on Advance. AfterFunc callbacks
// run synchronously inside Advance, in deadline order, without the
// clock's lock held, so they may schedule new timers.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	id       uint64
	deadline time.Time
	fn       func()
	ch       chan time.Time
	interval time.Duration
	stopped  bool
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.add(d, 0)
	w.fn = fn
	return fakeTimer{clock: f, w: w}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.add(d, d)
	w.ch = make(chan time.Time, 1)
	return fakeTicker{clock: f, w: w}
}

// Pending returns the number of live timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest pending deadline.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.earliest()
	if w == nil {
		return time.Time{}, false
	}
	return w.deadline, true
}

// Advance moves time forward by d, firing everything that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.earliest()
		if w == nil || w.deadline.After(target) {
			break
		}
		f.now = w.deadline
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			select {
			case w.ch <- f.now:
			default:
			}
			continue
		}
		w.stopped = true
		f.compact()
		fn := w.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.now = target
	f.compact()
	f.mu.Unlock()
}

func (f *Fake) add(d, interval time.Duration) *fakeWaiter {
	f.seq++
	w := &fakeWaiter{id: f.seq, deadline: f.now.Add(d), interval: interval}
	f.waiters = append(f.waiters, w)
	return w
}

// earliest picks the lowest deadline, breaking ties by creation order.
func (f *Fake) earliest() *fakeWaiter {
	var best *fakeWaiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.id < best.id) {
			best = w
		}
	}
	return best
}

func (f *Fake) compact() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(f.waiters); i++ {
		f.waiters[i] = nil
	}
	f.waiters = live
}

type fakeTimer struct {
	clock *Fake
	w     *fakeWaiter
}

func (t fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped {
		return false
	}
	t.w.stopped = true
	t.clock.compact()
	return true
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
	t.clock.compact()
}
