package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spk364/procomp/internal/eventlog"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/matchengine"
	"github.com/spk364/procomp/internal/pubsub"
	"github.com/spk364/procomp/internal/store"
)

func seedInProgressMatch(t *testing.T, st store.Store, matchID string, remaining uint) {
	t.Helper()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	match := matchengine.Match{
		ID:                   matchID,
		Participant1:         matchengine.Participant{ID: "p1"},
		Participant2:         matchengine.Participant{ID: "p2"},
		DurationSeconds:      300,
		TimeRemainingSeconds: remaining,
		State:                matchengine.StateInProgress,
		CreatedAt:            now,
		UpdatedAt:            now,
		StartedAt:            now,
	}
	if err := st.CreateMatch(context.Background(), match, matchengine.MatchEvent{MatchID: matchID, Sequence: 1, Type: matchengine.EventMatchCreated, Timestamp: now}); err != nil {
		t.Fatalf("seed match: %v", err)
	}
}

func TestTickerLeaseKey_IsNamespacedByMatch(t *testing.T) {
	if got := tickerLeaseKey("m1"); got != "ticker:m1" {
		t.Fatalf("expected ticker:m1, got %q", got)
	}
}

// newTestHubWithRouter builds a Hub and a Router sharing the same Pub/Sub
// Bus, mirroring main.go's wiring, so ticker broadcasts published through
// the Router are fanned back out to the Hub's own local subscribers by
// the Broadcast Dispatcher (cross-instance reconciliation still applies
// within a single test process: the local bus stands in for a shared one).
func newTestHubWithRouter(st store.Store) (*Hub, *Router) {
	bus := pubsub.NewLocal()
	appender := eventlog.NewAppender(st, 3)
	router := NewRouter(appender, bus, nil, logging.L())
	hub := NewHub(bus, pubsub.NewLocalLease(), st, router, nil, nil, logging.L(), nil, HubConfig{})
	router.onStateChange = hub.reconcileTickerState
	return hub, router
}

func TestBroadcastTimerTick_DeliversLightweightFrame(t *testing.T) {
	hub, _ := newTestHubWithRouter(store.NewMemory())
	conn := testConn(hub, channelForMatch("m1"), "m1")
	hub.register(conn)
	defer hub.unregister(conn)

	hub.broadcastTimerTick(context.Background(), "m1", 42)

	select {
	case raw := <-conn.send:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type != FrameTimerUpdate {
			t.Fatalf("expected TIMER_UPDATE, got %s", frame.Type)
		}
		var data struct {
			Seconds uint `json:"seconds"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.Seconds != 42 {
			t.Fatalf("expected 42 seconds remaining, got %d", data.Seconds)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a frame to be delivered through the bus")
	}
}

func TestPersistTimer_PersistsDurably(t *testing.T) {
	st := store.NewMemory()
	seedInProgressMatch(t, st, "m1", 120)
	appender := eventlog.NewAppender(st, 3)
	hub := &Hub{log: logging.L()}

	if ok := hub.persistTimer(context.Background(), appender, "m1", 90); !ok {
		t.Fatal("expected persistTimer to succeed")
	}
	match, err := st.LoadMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load match: %v", err)
	}
	if match.TimeRemainingSeconds != 90 {
		t.Fatalf("expected 90 seconds remaining, got %d", match.TimeRemainingSeconds)
	}
}

func TestFinishOnTimerExpiry_FinishesMatchAndBroadcasts(t *testing.T) {
	st := store.NewMemory()
	seedInProgressMatch(t, st, "m1", 0)
	appender := eventlog.NewAppender(st, 3)
	hub, _ := newTestHubWithRouter(st)
	conn := testConn(hub, channelForMatch("m1"), "m1")
	hub.register(conn)
	defer hub.unregister(conn)

	hub.finishOnTimerExpiry(context.Background(), appender, "m1")

	match, err := st.LoadMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load match: %v", err)
	}
	if !match.State.Terminal() {
		t.Fatalf("expected the match to be terminal after timer expiry, got %s", match.State)
	}

	select {
	case raw := <-conn.send:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type != FrameMatchUpdate {
			t.Fatalf("expected MATCH_UPDATE, got %s", frame.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a final match update to be delivered through the bus")
	}
}

func TestMaybeStartTicker_NoopWithoutSubscribers(t *testing.T) {
	st := store.NewMemory()
	seedInProgressMatch(t, st, "m1", 120)
	hub := NewHub(pubsub.NewLocal(), pubsub.NewLocalLease(), st, nil, nil, nil, logging.L(), nil, HubConfig{})

	hub.maybeStartTicker("m1")

	hub.mu.RLock()
	_, running := hub.tickers["m1"]
	hub.mu.RUnlock()
	if running {
		t.Fatal("expected no ticker to start without a subscriber")
	}
}

func TestMaybeStartTicker_StartsWhenInProgressWithSubscriber(t *testing.T) {
	st := store.NewMemory()
	seedInProgressMatch(t, st, "m1", 120)
	hub, _ := newTestHubWithRouter(st)
	conn := testConn(hub, channelForMatch("m1"), "m1")
	hub.register(conn)
	defer hub.unregister(conn)

	hub.maybeStartTicker("m1")
	defer hub.maybeStopTicker("m1")

	hub.mu.RLock()
	_, running := hub.tickers["m1"]
	hub.mu.RUnlock()
	if !running {
		t.Fatal("expected a ticker to start for an IN_PROGRESS match with a subscriber")
	}
}

func TestReconcileTickerState_StopsOnNonInProgressRegardlessOfSubscribers(t *testing.T) {
	st := store.NewMemory()
	seedInProgressMatch(t, st, "m1", 120)
	hub, _ := newTestHubWithRouter(st)
	conn := testConn(hub, channelForMatch("m1"), "m1")
	hub.register(conn)
	defer hub.unregister(conn)

	hub.maybeStartTicker("m1")
	hub.mu.RLock()
	_, running := hub.tickers["m1"]
	hub.mu.RUnlock()
	if !running {
		t.Fatal("expected the ticker to have started")
	}

	// A still-subscribed connection should not keep the ticker alive once
	// the match leaves IN_PROGRESS (e.g. PAUSE/END/CANCEL/RESET).
	hub.reconcileTickerState("m1", matchengine.StatePaused)

	hub.mu.RLock()
	_, running = hub.tickers["m1"]
	hub.mu.RUnlock()
	if running {
		t.Fatal("expected reconcileTickerState to stop the ticker on a non-IN_PROGRESS state")
	}
}

func TestHandleCommand_StartReconcilesTickerAfterEarlySubscription(t *testing.T) {
	// Reproduces the referee/viewers-already-connected-while-SCHEDULED
	// flow: the first register() call runs while the match is still
	// SCHEDULED and bails out of maybeStartTicker, so the ticker must be
	// (re)evaluated again once a START command lands.
	st := store.NewMemory()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	match := matchengine.Match{
		ID:               "m1",
		Participant1:     matchengine.Participant{ID: "p1"},
		Participant2:     matchengine.Participant{ID: "p2"},
		DurationSeconds:  300,
		State:            matchengine.StateScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := st.CreateMatch(context.Background(), match, matchengine.MatchEvent{MatchID: "m1", Sequence: 1, Type: matchengine.EventMatchCreated, Timestamp: now}); err != nil {
		t.Fatalf("seed match: %v", err)
	}

	hub, _ := newTestHubWithRouter(st)
	viewer := testConn(hub, channelForMatch("m1"), "m1")
	hub.register(viewer)
	defer hub.unregister(viewer)

	hub.mu.RLock()
	_, running := hub.tickers["m1"]
	hub.mu.RUnlock()
	if running {
		t.Fatal("expected no ticker while the match is still SCHEDULED")
	}

	referee := newTestConnection(roleReferee, []matchengine.Role{matchengine.RoleReferee})
	referee.hub = hub
	frame := Frame{Type: FrameMatchStateUpdate, MatchID: "m1", Data: mustJSON(t, matchStateUpdatePayload{Action: "START"})}
	hub.router.HandleCommand(context.Background(), referee, frame)

	hub.mu.RLock()
	_, running = hub.tickers["m1"]
	hub.mu.RUnlock()
	if !running {
		t.Fatal("expected the START command to start the ticker for the already-subscribed viewer")
	}
	hub.stopTicker("m1")
}
