package domain

import (
	"strings"
	"time"
)

// WorkerStatus is the lifecycle state of a worker registration record.
type WorkerStatus string

// Worker statuses.
const (
	WorkerRunning WorkerStatus = "running"
	WorkerPaused  WorkerStatus = "paused"
	WorkerStopped WorkerStatus = "stopped"
	WorkerError   WorkerStatus = "error"
	WorkerUnknown WorkerStatus = "unknown"
)

// ParseWorkerStatus maps stored strings to a status. Anything unrecognized
// becomes WorkerUnknown rather than an error, since records may be written
// by older tooling.
func ParseWorkerStatus(s string) WorkerStatus {
	switch st := WorkerStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case WorkerRunning, WorkerPaused, WorkerStopped, WorkerError:
		return st
	default:
		return WorkerUnknown
	}
}

// Active reports whether the worker is expected to be pulling work.
func (s WorkerStatus) Active() bool { return s == WorkerRunning }

// WorkerState is the registration record for one worker.
type WorkerState struct {
	Status         WorkerStatus `json:"status"`
	ProcessHandle  string       `json:"pid"`
	StartedAt      time.Time    `json:"started_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat,omitzero"`
	ProcessedCount int64        `json:"processed_count"`
}

// HeartbeatAge returns how long ago the worker last reported in. Workers that
// never sent a heartbeat are measured from StartedAt.
func (w WorkerState) HeartbeatAge(now time.Time) time.Duration {
	last := w.LastHeartbeat
	if last.IsZero() {
		last = w.StartedAt
	}
	if last.IsZero() {
		return 0
	}
	return now.Sub(last)
}

// Progress is the advisory progress counter for one worker. Completed is
// derived bookkeeping; the completion set's cardinality is authoritative.
type Progress struct {
	Completed   int64     `json:"completed"`
	Total       int64     `json:"total"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
}

// Percentage returns completion as a value in [0,100]. Unknown totals report 0.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Remaining returns the number of units left, floored at zero.
func (p Progress) Remaining() int64 {
	if r := p.Total - p.Completed; r > 0 {
		return r
	}
	return 0
}
