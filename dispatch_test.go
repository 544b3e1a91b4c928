package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/pubsub"
	"github.com/spk364/procomp/internal/store"
)

func TestStartChannelPump_DeliversPublishedEnvelopeLocally(t *testing.T) {
	bus := pubsub.NewLocal()
	hub := NewHub(bus, pubsub.NewLocalLease(), store.NewMemory(), nil, nil, nil, logging.L(), nil, HubConfig{})
	conn := testConn(hub, "match:m1", "m1")
	hub.register(conn)
	defer hub.unregister(conn)

	envelope, err := json.Marshal(busEnvelope{PublishedAt: time.Now(), Payload: json.RawMessage(`{"type":"PING"}`)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := bus.Publish(context.Background(), "match:m1", envelope); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-conn.send:
		if string(payload) != `{"type":"PING"}` {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the dispatcher to deliver the published frame")
	}
}

func TestStartChannelPump_IgnoresDuplicateSubscription(t *testing.T) {
	hub := newTestHub()
	hub.startChannelPump("match:m1")
	hub.startChannelPump("match:m1")

	hub.mu.RLock()
	count := len(hub.cancels)
	hub.mu.RUnlock()
	if count != 1 {
		t.Fatalf("expected exactly one subscription to be tracked, got %d", count)
	}
	hub.stopChannelPump("match:m1")
}

func TestPumpChannel_DropsMalformedEnvelope(t *testing.T) {
	bus := pubsub.NewLocal()
	hub := NewHub(bus, pubsub.NewLocalLease(), store.NewMemory(), nil, nil, nil, logging.L(), nil, HubConfig{})
	conn := testConn(hub, "match:m1", "m1")
	hub.register(conn)
	defer hub.unregister(conn)

	if err := bus.Publish(context.Background(), "match:m1", []byte("not-json")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-conn.send:
		t.Fatalf("expected no delivery for a malformed envelope, got %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}
