package clock

import (
	"testing"
	"time"
)

func TestVirtualAdvanceFiresDueTimers(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	var fired []string
	v.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	v.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })

	v.Advance(50 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("expected no timers fired yet, got %v", fired)
	}

	v.Advance(60 * time.Millisecond)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("expected only 'a' fired, got %v", fired)
	}

	v.Advance(100 * time.Millisecond)
	if len(fired) != 2 || fired[1] != "b" {
		t.Fatalf("expected 'b' fired second, got %v", fired)
	}
}

func TestVirtualTimerStop(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	fired := false
	timer := v.AfterFunc(10*time.Millisecond, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected Stop to report the timer was active")
	}
	if timer.Stop() {
		t.Fatalf("expected second Stop to report already stopped")
	}

	v.Advance(time.Second)
	if fired {
		t.Fatalf("stopped timer must not fire")
	}
}

func TestVirtualTimerReset(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	count := 0
	timer := v.AfterFunc(10*time.Millisecond, func() { count++ })

	v.Advance(5 * time.Millisecond)
	timer.Reset(10 * time.Millisecond)
	v.Advance(6 * time.Millisecond)
	if count != 0 {
		t.Fatalf("expected reset to push the deadline out, count=%d", count)
	}
	v.Advance(5 * time.Millisecond)
	if count != 1 {
		t.Fatalf("expected timer to fire exactly once, count=%d", count)
	}
}

func TestVirtualOrdersTiesByArmOrder(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		v.AfterFunc(10*time.Millisecond, func() { order = append(order, i) })
	}
	v.Advance(10 * time.Millisecond)

	for i, got := range order {
		if got != i {
			t.Fatalf("expected fire order 0,1,2, got %v", order)
		}
	}
}
