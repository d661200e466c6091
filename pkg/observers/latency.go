package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fabulalabs/fabula/pkg/metrics"
)

// LatencyObserver tracks per-session milestones and logs a latency summary
// when the session reaches a terminal event.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started    time.Time
	probeDone  time.Time
	active     time.Time
	firstAudio time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.SessionID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[ev.SessionID]
	if t == nil {
		t = &trace{}
		o.traces[ev.SessionID] = t
	}
	switch ev.Name {
	case "session_start":
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case "probe_done":
		if t.probeDone.IsZero() {
			t.probeDone = ev.Time
		}
	case "session_active":
		if t.active.IsZero() {
			t.active = ev.Time
		}
	case "frame_in":
		if t.firstAudio.IsZero() && ev.Tags != nil && ev.Tags["kind"] == "audio" {
			t.firstAudio = ev.Time
		}
	case "session_unavailable", "session_failed", "session_closed":
		o.logSummaryLocked(ev.SessionID, ev.Name, t, ev.Time)
		delete(o.traces, ev.SessionID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logSummaryLocked(sessionID, outcome string, t *trace, at time.Time) {
	o.log.Info("session latency",
		"session_id", sessionID,
		"outcome", outcome,
		"probe_ms", durationMs(t.started, t.probeDone),
		"activation_ms", durationMs(t.started, t.active),
		"first_audio_ms", durationMs(t.active, t.firstAudio),
		"lifetime_ms", durationMs(t.started, at),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
