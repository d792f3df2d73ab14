package call

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestClockTicks(t *testing.T) {
	clock := newDurationClock(5 * time.Millisecond)
	var ticks int64
	clock.start(func(gen uint64) {
		atomic.AddInt64(&ticks, 1)
	})
	defer clock.halt()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&ticks) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected ticks, got %d", atomic.LoadInt64(&ticks))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClockHaltStopsTicks(t *testing.T) {
	clock := newDurationClock(2 * time.Millisecond)
	var ticks int64
	clock.start(func(uint64) {
		atomic.AddInt64(&ticks, 1)
	})
	time.Sleep(20 * time.Millisecond)
	clock.halt()

	// one dispatched tick may still land; after that the count is frozen
	time.Sleep(20 * time.Millisecond)
	settled := atomic.LoadInt64(&ticks)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&ticks); got != settled {
		t.Fatalf("ticks continued after halt: %d -> %d", settled, got)
	}
}

func TestClockGenerationInvalidatedOnHalt(t *testing.T) {
	clock := newDurationClock(time.Hour)
	clock.start(func(uint64) {})
	started := clock.gen
	clock.halt()
	if clock.gen == started {
		t.Fatalf("expected generation bump on halt")
	}
	if clock.running() {
		t.Fatalf("expected clock stopped")
	}
}

func TestClockRestartUsesNewGeneration(t *testing.T) {
	clock := newDurationClock(time.Hour)
	clock.start(func(uint64) {})
	first := clock.gen
	clock.start(func(uint64) {})
	defer clock.halt()
	if clock.gen <= first {
		t.Fatalf("expected strictly newer generation, got %d then %d", first, clock.gen)
	}
}
