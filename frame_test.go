package main

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeFrame_StampsZeroTimestamp(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	raw, err := encodeFrame(Frame{Type: FramePong}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded Frame
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp %v, got %v", now, decoded.Timestamp)
	}
}

func TestEncodeFrame_PreservesExplicitTimestamp(t *testing.T) {
	explicit := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, err := encodeFrame(Frame{Type: FramePong, Timestamp: explicit}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded Frame
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Timestamp.Equal(explicit) {
		t.Fatalf("expected preserved timestamp %v, got %v", explicit, decoded.Timestamp)
	}
}

func TestErrorFrame_ShapesPayload(t *testing.T) {
	now := time.Now()
	raw := errorFrame("m1", "Unauthorized", "role lacks REFEREE", "corr-1", now)

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != FrameError {
		t.Fatalf("expected type ERROR, got %s", frame.Type)
	}
	if frame.MatchID != "m1" {
		t.Fatalf("expected matchId m1, got %q", frame.MatchID)
	}
	if frame.CorrelationID != "corr-1" {
		t.Fatalf("expected correlationId corr-1, got %q", frame.CorrelationID)
	}

	var data struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Kind != "Unauthorized" {
		t.Fatalf("expected kind Unauthorized, got %q", data.Kind)
	}
	if data.Message != "role lacks REFEREE" {
		t.Fatalf("expected message preserved, got %q", data.Message)
	}
}

func TestFrameTypes_ShareTimerUpdateLiteral(t *testing.T) {
	// spec.md §6.2 lists TIMER_UPDATE in both the client->server and
	// server->client columns; the two consts intentionally share one
	// wire literal.
	if string(FrameTimerUpdateClient) != string(FrameTimerUpdate) {
		t.Fatalf("expected both TIMER_UPDATE consts to share a literal, got %q and %q", FrameTimerUpdateClient, FrameTimerUpdate)
	}
}
