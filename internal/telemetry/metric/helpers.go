package metric

import "time"

// The helpers below are nil-safe so callers never need to check whether
// metrics are enabled.

// ObserveCommand records one executed command.
func (r *Registry) ObserveCommand(command, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.CommandsTotal.WithLabelValues(command, status).Inc()
	r.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetQueueDepth records the serializer backlog.
func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.QueueDepth.Set(float64(n))
}

// SessionOpened records a new authenticated session.
func (r *Registry) SessionOpened() {
	if r == nil {
		return
	}
	r.SessionsActive.Inc()
	r.SessionsTotal.Inc()
}

// SessionClosed records a session ending.
func (r *Registry) SessionClosed() {
	if r == nil {
		return
	}
	r.SessionsActive.Dec()
}

// AuthFailed records a rejected handshake, identity or login.
func (r *Registry) AuthFailed() {
	if r == nil {
		return
	}
	r.AuthFailures.Inc()
}

// RateLimitHit records a command refused by the rate limiter.
func (r *Registry) RateLimitHit() {
	if r == nil {
		return
	}
	r.RateLimited.Inc()
}

// SnapshotSucceeded records a written snapshot.
func (r *Registry) SnapshotSucceeded(trigger string, d time.Duration, size int64, records int) {
	if r == nil {
		return
	}
	r.SnapshotsTotal.WithLabelValues(trigger, "success").Inc()
	r.SnapshotDuration.Observe(d.Seconds())
	r.SnapshotSize.Set(float64(size))
	r.SnapshotRecords.Set(float64(records))
	r.LastSnapshotUnixTime.Set(float64(time.Now().Unix()))
}

// SnapshotFailed records a failed snapshot.
func (r *Registry) SnapshotFailed(trigger string) {
	if r == nil {
		return
	}
	r.SnapshotsTotal.WithLabelValues(trigger, "failure").Inc()
}
