package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Event builds a timestamped MetricsEvent. Fields stay nil until needed.
func Event(name string, value float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// NoopObserver discards every metric. Sessions built without an
// observer fall back to it.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
