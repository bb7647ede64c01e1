package orchestrator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
)

// latencyWindow bounds the rolling latency sample buffer.
const latencyWindow = 1000

// ErrorSnapshot is the most recent session failure.
type ErrorSnapshot struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStats is the telemetry part of the runtime status.
type SessionStats struct {
	ActiveSessions int            `json:"active_sessions"`
	TotalProcessed int            `json:"total_processed"`
	TotalSucceeded int            `json:"total_succeeded"`
	TotalFailed    int            `json:"total_failed"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	AvgLatencyMS   float64        `json:"avg_latency_ms"`
	P95LatencyMS   float64        `json:"p95_latency_ms"`
	LatencySamples int            `json:"latency_samples"`
	LastError      *ErrorSnapshot `json:"last_error"`
}

// Session is the handle returned by Telemetry.Register.
type Session struct {
	id        uint64
	sessionID string
	mode      string
	started   time.Time
}

// Telemetry tracks active sessions, totals and latency. One mutex guards
// every field.
type Telemetry struct {
	mu        sync.Mutex
	now       func() time.Time
	startedAt time.Time
	nextID    uint64
	active    map[uint64]Session
	processed int
	failed    int
	samples   []float64
	head      int
	lastError *ErrorSnapshot
}

// NewTelemetry creates an empty registry.
func NewTelemetry() *Telemetry {
	return newTelemetry(time.Now)
}

func newTelemetry(now func() time.Time) *Telemetry {
	return &Telemetry{
		now:       now,
		startedAt: now(),
		active:    make(map[uint64]Session),
		samples:   make([]float64, 0, latencyWindow),
	}
}

// Register records a session as active.
func (t *Telemetry) Register(sessionID, mode string) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	sess := Session{id: t.nextID, sessionID: sessionID, mode: mode, started: t.now()}
	t.active[sess.id] = sess
	observability.SessionStarted()
	return sess
}

// Finalize deregisters a session and records its outcome. An empty errMsg
// marks success.
func (t *Telemetry) Finalize(sess Session, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[sess.id]; !ok {
		return
	}
	delete(t.active, sess.id)

	latency := float64(t.now().Sub(sess.started).Microseconds()) / 1000
	t.processed++
	t.addSample(latency)

	status := "success"
	if errMsg != "" {
		status = "failed"
		t.failed++
		t.lastError = &ErrorSnapshot{SessionID: sess.sessionID, Message: errMsg, Timestamp: t.now().UTC()}
	}
	observability.RecordSession(sess.mode, status, int(latency))
}

func (t *Telemetry) addSample(v float64) {
	if len(t.samples) < latencyWindow {
		t.samples = append(t.samples, v)
		return
	}
	t.samples[t.head] = v
	t.head = (t.head + 1) % latencyWindow
}

// Stats returns a consistent snapshot.
func (t *Telemetry) Stats() SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := SessionStats{
		ActiveSessions: len(t.active),
		TotalProcessed: t.processed,
		TotalSucceeded: t.processed - t.failed,
		TotalFailed:    t.failed,
		UptimeSeconds:  t.now().Sub(t.startedAt).Seconds(),
		LatencySamples: len(t.samples),
		AvgLatencyMS:   mean(t.samples),
		P95LatencyMS:   percentile95(t.samples),
	}
	if t.lastError != nil {
		e := *t.lastError
		stats.LastError = &e
	}
	return stats
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// percentile95 sorts a copy and indexes at round(0.95*(n-1)), rounding
// half to even.
func percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64{}, samples...)
	sort.Float64s(sorted)
	idx := int(math.RoundToEven(0.95 * float64(len(sorted)-1)))
	return sorted[idx]
}
