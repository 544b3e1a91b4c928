// Package httpapi serves the control plane's operational surface on
// METRICS_BIND_ADDR: liveness, readiness (composing a Pub/Sub reachability
// probe and a Match Store trivial-query probe under a bounded budget),
// and a Prometheus exposition endpoint. Grounded on the teacher's
// HandlerSet/Options/ReadinessProvider pattern and its liveness/readiness
// JSON response shape.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/metrics"
)

// DefaultReadinessBudget bounds how long the readiness probes may take
// before the endpoint reports unavailable rather than hang.
const DefaultReadinessBudget = 500 * time.Millisecond

// Prober is implemented by any dependency the readiness handler must
// confirm is reachable (the Pub/Sub Bus, the Match Store).
type Prober interface {
	// Probe performs the cheapest possible reachability check and
	// returns a non-nil error if the dependency cannot currently serve.
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function into a Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Options configures a HandlerSet.
type Options struct {
	Logger    *logging.Logger
	Metrics   *metrics.Registry
	Probers   map[string]Prober
	Budget    time.Duration
	TimeNow   func() time.Time
	StartedAt time.Time
}

// HandlerSet bundles the control plane's operational HTTP handlers.
type HandlerSet struct {
	logger    *logging.Logger
	metrics   *metrics.Registry
	probers   map[string]Prober
	budget    time.Duration
	now       func() time.Time
	startedAt time.Time
}

// NewHandlerSet constructs a HandlerSet from opts, applying defaults for
// any unset field.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeNow
	if now == nil {
		now = time.Now
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultReadinessBudget
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	return &HandlerSet{
		logger:    logger,
		metrics:   opts.Metrics,
		probers:   opts.Probers,
		budget:    budget,
		now:       now,
		startedAt: startedAt,
	}
}

// Register attaches every handler to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/health", h.ReadinessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
}

// LivenessHandler reports only that the HTTP server itself is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler runs every configured Prober under the readiness
// budget and reports ok only if all of them succeed within it.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string            `json:"status"`
		UptimeSeconds float64           `json:"uptime_seconds"`
		Errors        map[string]string `json:"errors,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.budget)
		defer cancel()

		errs := make(map[string]string)
		for name, prober := range h.probers {
			if err := prober.Probe(ctx); err != nil {
				errs[name] = err.Error()
			}
		}

		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.now().Sub(h.startedAt).Seconds()}
		if len(errs) > 0 {
			status = http.StatusServiceUnavailable
			resp.Status = "unavailable"
			resp.Errors = errs
			h.logger.Warn("readiness probe failed", logging.Int("failed_count", len(errs)))
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
