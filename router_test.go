package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spk364/procomp/internal/eventlog"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/matchengine"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/pubsub"
	"github.com/spk364/procomp/internal/store"
)

func newTestConnection(role string, roles []matchengine.Role) *Connection {
	hub := &Hub{cfg: HubConfig{SendQueueSize: 8, SendTimeout: time.Second}}
	return &Connection{
		id:      "conn-1",
		hub:     hub,
		matchID: "m1",
		role:    role,
		roles:   roles,
		send:    make(chan []byte, 8),
		closed:  make(chan struct{}),
		log:     logging.L(),
	}
}

func newTestRouter(t *testing.T) (*Router, store.Store, pubsub.Bus) {
	t.Helper()
	st := store.NewMemory()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	match := matchengine.Match{
		ID:                   "m1",
		TournamentID:         "t1",
		Participant1:         matchengine.Participant{ID: "p1", DisplayName: "Alice"},
		Participant2:         matchengine.Participant{ID: "p2", DisplayName: "Bob"},
		DurationSeconds:      300,
		TimeRemainingSeconds: 300,
		State:                matchengine.StateInProgress,
		CreatedAt:            now,
		UpdatedAt:            now,
		StartedAt:            now,
	}
	if err := st.CreateMatch(context.Background(), match, matchengine.MatchEvent{MatchID: "m1", Sequence: 1, Type: matchengine.EventMatchCreated, Timestamp: now}); err != nil {
		t.Fatalf("seed match: %v", err)
	}
	appender := eventlog.NewAppender(st, 3)
	bus := pubsub.NewLocal()
	router := NewRouter(appender, bus, metrics.New(), logging.L())
	return router, st, bus
}

func TestHandleCommand_RejectsUnauthorizedMutation(t *testing.T) {
	router, _, _ := newTestRouter(t)
	conn := newTestConnection(roleViewer, []matchengine.Role{matchengine.RoleViewer})

	frame := Frame{Type: FrameScoreUpdate, MatchID: "m1", Data: mustJSON(t, scoreUpdatePayload{ParticipantID: "p1", ScoreKind: "POINTS_2"})}
	router.HandleCommand(context.Background(), conn, frame)

	select {
	case raw := <-conn.send:
		var out Frame
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Type != FrameError {
			t.Fatalf("expected ERROR frame, got %s", out.Type)
		}
	default:
		t.Fatal("expected a frame to be enqueued")
	}
}

func TestHandleCommand_AcceptedScorePublishesMatchUpdate(t *testing.T) {
	router, _, bus := newTestRouter(t)
	conn := newTestConnection(roleReferee, []matchengine.Role{matchengine.RoleReferee})

	sub, err := bus.Subscribe(context.Background(), channelForMatch("m1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	frame := Frame{Type: FrameScoreUpdate, MatchID: "m1", Data: mustJSON(t, scoreUpdatePayload{ParticipantID: "p1", ScoreKind: "POINTS_2"})}
	router.HandleCommand(context.Background(), conn, frame)

	select {
	case msg := <-sub.Messages():
		var envelope busEnvelope
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		var out Frame
		if err := json.Unmarshal(envelope.Payload, &out); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if out.Type != FrameMatchUpdate {
			t.Fatalf("expected MATCH_UPDATE, got %s", out.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a published match update")
	}
}

func TestHandleCommand_MalformedCommandRejected(t *testing.T) {
	router, _, _ := newTestRouter(t)
	conn := newTestConnection(roleReferee, []matchengine.Role{matchengine.RoleReferee})

	frame := Frame{Type: FrameScoreUpdate, MatchID: "m1", Data: json.RawMessage(`{not-json`)}
	router.HandleCommand(context.Background(), conn, frame)

	select {
	case raw := <-conn.send:
		var out Frame
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Type != FrameError {
			t.Fatalf("expected ERROR frame, got %s", out.Type)
		}
	default:
		t.Fatal("expected a frame to be enqueued")
	}
}

func TestDecodeCommand_UnknownStateAction(t *testing.T) {
	frame := Frame{Type: FrameMatchStateUpdate, MatchID: "m1", Data: mustJSON(t, matchStateUpdatePayload{Action: "FLY"})}
	if _, err := decodeCommand(frame); err == nil {
		t.Fatal("expected an error for unknown state action")
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
