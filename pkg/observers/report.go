package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/dialtone/pkg/metrics"
)

// ReportObserver logs one summary line per finished call: direction,
// how long the setup took, talk time, and why it ended.
type ReportObserver struct {
	mu    sync.Mutex
	calls map[string]*callReport
	log   *slog.Logger
}

type callReport struct {
	direction string
	createdAt time.Time
	setupSec  float64
	answered  bool
}

func NewReportObserver(log *slog.Logger) *ReportObserver {
	if log == nil {
		log = slog.Default()
	}
	return &ReportObserver{
		calls: make(map[string]*callReport),
		log:   log,
	}
}

func (o *ReportObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Name {
	case "session_transition":
		to := ev.Tags["to"]
		if o.calls[callID] != nil || (to != "DIALING" && to != "RINGING_INBOUND") {
			return
		}
		direction := "inbound"
		if to == "DIALING" {
			direction = "outbound"
		}
		o.calls[callID] = &callReport{direction: direction, createdAt: ev.Time}
	case "call_started":
		r := o.calls[callID]
		if r == nil {
			return
		}
		r.answered = true
		if sec, ok := ev.Fields["setup_seconds"].(float64); ok {
			r.setupSec = sec
		}
	case "call_ended":
		r := o.calls[callID]
		delete(o.calls, callID)
		attrs := []any{
			"call_id", callID,
			"direction", ev.Tags["direction"],
			"reason", ev.Tags["reason"],
			"talk_seconds", ev.Value,
		}
		if r != nil {
			attrs = append(attrs,
				"answered", r.answered,
				"setup_ms", int64(r.setupSec*1000),
				"total_ms", ev.Time.Sub(r.createdAt).Milliseconds(),
			)
		}
		o.log.Info("call_report", attrs...)
	}
}

var _ metrics.Observer = (*ReportObserver)(nil)
