package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestLocalPublishSubscribe(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "match:1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "match:1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if string(msg.Payload) != "hello" || msg.Channel != "match:1" {
			t.Fatalf("unexpected message: %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLocalPublishNoSubscribers(t *testing.T) {
	bus := NewLocal()
	if err := bus.Publish(context.Background(), "nobody-listening", []byte("x")); err != nil {
		t.Fatalf("Publish with no subscribers should not error: %v", err)
	}
}

func TestLocalSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, open := <-sub.Messages(); open {
		t.Fatal("expected closed channel after Close")
	}
	if err := bus.Publish(ctx, "ch", []byte("late")); err != nil {
		t.Fatalf("Publish after close should not error: %v", err)
	}
}

func TestLocalBacklogReflectsQueuedMessages(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "ch", []byte("x")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := bus.Backlog(); got != 3 {
		t.Fatalf("expected backlog 3, got %d", got)
	}
}

func TestLocalLeaseMutualExclusion(t *testing.T) {
	lease := NewLocalLease()
	ctx := context.Background()

	ok, err := lease.TryAcquire(ctx, "match:1:ticker", "replica-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected replica-a to acquire, got ok=%v err=%v", ok, err)
	}
	ok, err = lease.TryAcquire(ctx, "match:1:ticker", "replica-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected replica-b to be denied, got ok=%v err=%v", ok, err)
	}

	renewed, err := lease.Renew(ctx, "match:1:ticker", "replica-a", time.Minute)
	if err != nil || !renewed {
		t.Fatalf("expected replica-a to renew, got renewed=%v err=%v", renewed, err)
	}
	renewed, err = lease.Renew(ctx, "match:1:ticker", "replica-b", time.Minute)
	if err != nil || renewed {
		t.Fatalf("expected replica-b renew to fail, got renewed=%v err=%v", renewed, err)
	}

	if err := lease.Release(ctx, "match:1:ticker", "replica-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = lease.TryAcquire(ctx, "match:1:ticker", "replica-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected replica-b to acquire after release, got ok=%v err=%v", ok, err)
	}
}
