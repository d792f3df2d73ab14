package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver is the flight recorder: every metric, one JSON object
// per line, in arrival order. Pointed at an append-mode file it yields a
// session-wide record that is valid up to the last complete line even
// after a crash.
type JSONLObserver struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

type jsonlRecord struct {
	Name   string            `json:"name"`
	Time   time.Time         `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{w: w, enc: json.NewEncoder(w)}
}

// RecordEvent implements Observer. Write errors are swallowed; a failing
// disk never surfaces into call handling.
func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.enc.Encode(jsonlRecord{
		Name:   ev.Name,
		Time:   ev.Time.UTC(),
		Value:  ev.Value,
		Tags:   ev.Tags,
		Fields: ev.Fields,
	})
}

// Close closes the underlying writer when it owns one.
func (o *JSONLObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ Observer = (*JSONLObserver)(nil)
