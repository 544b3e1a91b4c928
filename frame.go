package main

import (
	"encoding/json"
	"time"
)

// FrameType enumerates the enumerated `type` values from spec.md §6.2.
type FrameType string

const (
	// Client -> Server
	FramePing              FrameType = "PING"
	FrameScoreUpdate        FrameType = "SCORE_UPDATE"
	FrameMatchStateUpdate   FrameType = "MATCH_STATE_UPDATE"
	FrameTimerUpdateClient  FrameType = "TIMER_UPDATE"
	FrameComment            FrameType = "COMMENT"

	// Server -> Client
	FramePong             FrameType = "PONG"
	FrameMatchUpdate      FrameType = "MATCH_UPDATE"
	FrameTimerUpdate      FrameType = "TIMER_UPDATE"
	FrameEventAppended    FrameType = "EVENT_APPENDED"
	FrameConnectionStatus FrameType = "CONNECTION_STATUS"
	FrameError            FrameType = "ERROR"
)

// Frame is the single wire envelope every WebSocket message uses, exactly
// as spec.md §6.2 describes it.
type Frame struct {
	Type          FrameType       `json:"type"`
	MatchID       string          `json:"matchId,omitempty"`
	TournamentID  string          `json:"tournamentId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Version       uint64          `json:"version,omitempty"`
}

// encodeFrame marshals f, stamping Timestamp if the caller left it zero.
func encodeFrame(f Frame, now time.Time) ([]byte, error) {
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	return json.Marshal(f)
}

// errorFrame builds a targeted ERROR frame per spec.md §4.5 step 5.
func errorFrame(matchID string, kind, message, correlationID string, now time.Time) []byte {
	data, _ := json.Marshal(struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId,omitempty"`
	}{Kind: kind, Message: message, CorrelationID: correlationID})
	raw, _ := encodeFrame(Frame{
		Type:          FrameError,
		MatchID:       matchID,
		Data:          data,
		CorrelationID: correlationID,
	}, now)
	return raw
}

// scoreUpdatePayload is SCORE_UPDATE.data.
type scoreUpdatePayload struct {
	ParticipantID string `json:"participantId"`
	ScoreKind     string `json:"scoreKind"`
}

// matchStateUpdatePayload is MATCH_STATE_UPDATE.data.
type matchStateUpdatePayload struct {
	Action string `json:"action"`
}

// timerUpdateClientPayload is the client-originated TIMER_UPDATE.data.
type timerUpdateClientPayload struct {
	Seconds uint `json:"seconds"`
}

// commentPayload is COMMENT.data.
type commentPayload struct {
	ParticipantID string `json:"participantId,omitempty"`
	Text          string `json:"text"`
}

// connectionStatusPayload is CONNECTION_STATUS.data sent once on accept.
type connectionStatusPayload struct {
	ConnectionID string `json:"connectionId"`
	Role         string `json:"role"`
	Channel      string `json:"channel"`
}
