package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// AsyncObserver decouples metric producers from sink latency. RecordEvent
// never blocks: a full buffer drops the event instead of stalling the
// session goroutine. Close stops intake and drains what the buffer still
// holds, so end-of-call records reach file-backed sinks before those
// sinks are closed. RecordEvent and Close are safe to race.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	done    chan struct{}
	dropped int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close stops intake and waits for buffered events to drain. The wait
// is bounded: a sink stuck mid-write must not hold up shutdown.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
