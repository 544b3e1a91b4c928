package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spk364/procomp/internal/metrics"
)

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	h := NewHandlerSet(Options{})
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadinessHandlerAllProbesHealthy(t *testing.T) {
	h := NewHandlerSet(Options{
		Probers: map[string]Prober{
			"store":  ProberFunc(func(ctx context.Context) error { return nil }),
			"pubsub": ProberFunc(func(ctx context.Context) error { return nil }),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestReadinessHandlerReportsFailingProbe(t *testing.T) {
	h := NewHandlerSet(Options{
		Probers: map[string]Prober{
			"pubsub": ProberFunc(func(ctx context.Context) error { return errors.New("unreachable") }),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "unavailable" || body.Errors["pubsub"] == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRegisterExposesMetricsEndpoint(t *testing.T) {
	h := NewHandlerSet(Options{Metrics: metrics.New()})
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
