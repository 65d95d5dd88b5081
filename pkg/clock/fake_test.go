package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	c.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected firing order %v", order)
	}
	if got := c.Now(); !got.Equal(epoch.Add(3 * time.Second)) {
		t.Fatalf("now = %v", got)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.Pending())
	}
}

func TestFakeStoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report a pending timer")
	}
	if tm.Stop() {
		t.Fatalf("second Stop must report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var arm func()
	arm = func() {
		c.AfterFunc(10*time.Second, func() {
			count++
			arm()
		})
	}
	arm()
	c.Advance(35 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 firings, got %d", count)
	}
	next, ok := c.NextDeadline()
	if !ok || !next.Equal(epoch.Add(40*time.Second)) {
		t.Fatalf("next deadline = %v, %v", next, ok)
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := NewFake(epoch)
	tk := c.NewTicker(time.Second)
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatalf("expected a tick")
	}
	select {
	case <-tk.C():
		t.Fatalf("ticks must not queue beyond one")
	default:
	}
	tk.Stop()
	if c.Pending() != 0 {
		t.Fatalf("stopped ticker still pending")
	}
}
