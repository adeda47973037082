package clock_test

import (
	"testing"
	"time"

	"pkt.systems/catalogd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestOrFallsBackToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatalf("expected Real fallback")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if got := clock.Or(manual); got != manual {
		t.Fatalf("expected manual clock to pass through")
	}
}

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatalf("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatalf("long waiter fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", m.Pending())
	}
}

func TestManualSetMovesClock(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	target := time.Unix(50, 0)
	m.Set(target)
	if !m.Now().Equal(target.UTC()) {
		t.Fatalf("expected %v, got %v", target, m.Now())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatalf("expected immediate delivery")
	}
}
