package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)

	ev := Event("call_started", 1, map[string]string{"direction": "outbound", "call_id": "abc"})
	ev.Fields = map[string]any{"setup_seconds": 1.5}
	obs.RecordEvent(ev)
	obs.RecordEvent(Event("call_ended", 42, map[string]string{"reason": "local_hangup"}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first jsonlRecord
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first.Name != "call_started" || first.Tags["call_id"] != "abc" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.Fields["setup_seconds"] != 1.5 {
		t.Fatalf("expected setup_seconds 1.5, got %v", first.Fields["setup_seconds"])
	}
	if first.Time.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps, got %v", first.Time.Location())
	}

	var second jsonlRecord
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if second.Name != "call_ended" || second.Value != 42 {
		t.Fatalf("unexpected second record: %+v", second)
	}
}

func TestJSONLObserverNilWriter(t *testing.T) {
	obs := NewJSONLObserver(nil)
	obs.RecordEvent(Event("session_transition", 1, nil))
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
