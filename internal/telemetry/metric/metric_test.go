package metric

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_Helpers(t *testing.T) {
	r := NewRegistry()

	r.SessionOpened()
	r.SessionOpened()
	r.SessionClosed()
	r.AuthFailed()
	r.RateLimitHit()
	r.ObserveCommand("set", "success", time.Millisecond)
	r.ObserveCommand("set", "error", time.Millisecond)
	r.SetQueueDepth(7)
	r.SnapshotSucceeded("timer", time.Second, 2048, 10)
	r.SnapshotFailed("dump")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"sessions_active", testutil.ToFloat64(r.SessionsActive), 1},
		{"sessions_total", testutil.ToFloat64(r.SessionsTotal), 2},
		{"auth_failures_total", testutil.ToFloat64(r.AuthFailures), 1},
		{"rate_limited_total", testutil.ToFloat64(r.RateLimited), 1},
		{"commands_total{set,success}", testutil.ToFloat64(r.CommandsTotal.WithLabelValues("set", "success")), 1},
		{"queue_depth", testutil.ToFloat64(r.QueueDepth), 7},
		{"snapshot_size_bytes", testutil.ToFloat64(r.SnapshotSize), 2048},
		{"snapshot_total{dump,failure}", testutil.ToFloat64(r.SnapshotsTotal.WithLabelValues("dump", "failure")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.SessionOpened()
	r.SessionClosed()
	r.AuthFailed()
	r.RateLimitHit()
	r.ObserveCommand("get", "success", 0)
	r.SetQueueDepth(1)
	r.SnapshotSucceeded("timer", 0, 0, 0)
	r.SnapshotFailed("timer")
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.AuthFailed()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"securekv_auth_failures_total 1", "securekv_build_info", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
