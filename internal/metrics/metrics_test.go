package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRegistryCountersIncrement(t *testing.T) {
	r := New()
	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.SetPubsubBacklog(7)
	r.ObserveBroadcastLatency(12 * time.Millisecond)
	r.MessagePublished()
	r.MessageBroadcast()
	r.CommandAccepted("SCORE")
	r.CommandRejected("Unauthorized")
	r.AutoFinish("submission")

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	conns, ok := byName["current_ws_connections"]
	if !ok {
		t.Fatal("missing current_ws_connections")
	}
	if got := conns.Metric[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected 1 open connection, got %v", got)
	}

	backlog, ok := byName["pubsub_backlog"]
	if !ok || backlog.Metric[0].GetGauge().GetValue() != 7 {
		t.Fatalf("expected pubsub_backlog 7, got %+v", backlog)
	}

	if _, ok := byName["commands_accepted_total"]; !ok {
		t.Fatal("missing commands_accepted_total")
	}
	if _, ok := byName["commands_rejected_total"]; !ok {
		t.Fatal("missing commands_rejected_total")
	}
	if _, ok := byName["auto_finish_total"]; !ok {
		t.Fatal("missing auto_finish_total")
	}
}
