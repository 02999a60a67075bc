package adminserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/yndnr/securekv/internal/infra/buildinfo"
	"github.com/yndnr/securekv/internal/storage/snapshot"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

// Status is the live part of the health report.
type Status struct {
	Engine       string         `json:"engine"`
	QueueDepth   int            `json:"queue_depth"`
	LastSnapshot *snapshot.Info `json:"last_snapshot,omitempty"`
}

// Health is the /healthz response body.
type Health struct {
	Status  string         `json:"status"`
	Time    string         `json:"time"`
	Uptime  string         `json:"uptime"`
	Build   buildinfo.Info `json:"build"`
	Runtime Status         `json:"runtime"`
}

// RouterConfig holds configuration for the admin router.
type RouterConfig struct {
	Metrics *metric.Registry
	// Status reports live state for /healthz. Optional.
	Status func() Status
	Logger *slog.Logger
	// AllowList is the IP/CIDR allowlist (empty = no restriction).
	AllowList []string
	// Started is the process start time used for uptime.
	Started time.Time
}

// NewRouter creates the admin handler.
func NewRouter(cfg *RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	started := cfg.Started
	if started.IsZero() {
		started = time.Now()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h := Health{
			Status: "ok",
			Time:   time.Now().UTC().Format(time.RFC3339),
			Uptime: time.Since(started).Round(time.Second).String(),
			Build:  buildinfo.Get(),
		}
		if cfg.Status != nil {
			h.Runtime = cfg.Status()
		}
		writeJSON(w, http.StatusOK, h)
	})

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	return Chain(mux,
		RequestID(),
		Recover(logger),
		NetworkACL(cfg.AllowList, logger),
	)
}
