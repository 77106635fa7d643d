package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64

	pushesApplied  atomic.Int64
	pushesCached   atomic.Int64
	pushesRejected atomic.Int64
	pullRequests   atomic.Int64
	snapshotPages  atomic.Int64
	fanoutNotifies atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Requests       int64   `json:"requests"`
	ServerErrors   int64   `json:"server_errors"`
	ClientErrors   int64   `json:"client_errors"`
	PushesApplied  int64   `json:"pushes_applied"`
	PushesCached   int64   `json:"pushes_cached"`
	PushesRejected int64   `json:"pushes_rejected"`
	PullRequests   int64   `json:"pull_requests"`
	SnapshotPages  int64   `json:"snapshot_pages"`
	FanoutNotifies int64   `json:"fanout_notifies"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() { m.requests.Add(1) }

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() { m.serverErrors.Add(1) }

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() { m.clientErrors.Add(1) }

// RecordPush counts a push outcome by status.
func (m *Metrics) RecordPush(status string) {
	switch status {
	case "applied":
		m.pushesApplied.Add(1)
	case "cached":
		m.pushesCached.Add(1)
	case "rejected":
		m.pushesRejected.Add(1)
	}
}

// RecordPullRequest increments the pull request counter.
func (m *Metrics) RecordPullRequest() { m.pullRequests.Add(1) }

// RecordSnapshotPages adds n to the produced snapshot page counter.
func (m *Metrics) RecordSnapshotPages(n int64) { m.snapshotPages.Add(n) }

// RecordFanoutNotify increments the fan-out notification counter.
func (m *Metrics) RecordFanoutNotify() { m.fanoutNotifies.Add(1) }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Requests:       m.requests.Load(),
		ServerErrors:   m.serverErrors.Load(),
		ClientErrors:   m.clientErrors.Load(),
		PushesApplied:  m.pushesApplied.Load(),
		PushesCached:   m.pushesCached.Load(),
		PushesRejected: m.pushesRejected.Load(),
		PullRequests:   m.pullRequests.Load(),
		SnapshotPages:  m.snapshotPages.Load(),
		FanoutNotifies: m.fanoutNotifies.Load(),
	}
}
