package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/eventlog"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/matchengine"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/pubsub"
)

// Router implements spec.md §4.5: decode, authorize, validate, invoke the
// Event Log Appender (which runs the pure engine inside its retry loop),
// and publish the outcome. Grounded on the teacher's intent.go pipeline
// shape (decodeIntentPayload/validateIntentPayload/processIntent),
// generalized from vehicle-control intents to match commands.
type Router struct {
	appender *eventlog.Appender
	bus      pubsub.Bus
	metrics  *metrics.Registry
	log      *logging.Logger
	now      func() time.Time

	// onStateChange lets the Hub reconcile a match's timer ticker
	// whenever a command changes its run state, not only on (dis)connect.
	// Set once by main.go after the Hub is constructed.
	onStateChange func(matchID string, state matchengine.MatchState)
}

// NewRouter constructs a Router over the given Event Log Appender and Pub/Sub Bus.
func NewRouter(appender *eventlog.Appender, bus pubsub.Bus, metricsRegistry *metrics.Registry, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.L()
	}
	return &Router{appender: appender, bus: bus, metrics: metricsRegistry, log: logger, now: time.Now}
}

// tournamentDelta is the compact payload published to `tournament:{id}`
// alongside the full MATCH_UPDATE published to `match:{id}`, using the
// match's TournamentID (or the frame's when the match has none).
type tournamentDelta struct {
	MatchID             string               `json:"matchId"`
	State               matchengine.MatchState `json:"state"`
	Score1              matchengine.Score    `json:"score1"`
	Score2              matchengine.Score    `json:"score2"`
	WinnerParticipantID string               `json:"winnerParticipantId,omitempty"`
}

// matchUpdatePayload is MATCH_UPDATE.data per spec.md §6.2.
type matchUpdatePayload struct {
	Match          matchengine.Match        `json:"match"`
	EmittedEvents  []matchengine.MatchEvent `json:"emittedEvents"`
}

// HandleCommand decodes an inbound frame from conn, authorizes and
// validates it, invokes the Event Log Appender, and publishes the result
// (or sends a targeted ERROR frame back to conn on rejection/failure).
// It never returns an error to the caller: every failure path is reported
// over the wire or logged, matching spec.md §4.5's "frame only, keep
// connection" policy for every rejection kind, store failures included
// (Conflict once the Appender's retries are spent, StoreTimeout otherwise).
func (rt *Router) HandleCommand(ctx context.Context, conn *Connection, frame Frame) {
	matchID := conn.matchID
	if matchID == "" {
		matchID = frame.MatchID
	}

	cmd, err := decodeCommand(frame)
	if err != nil {
		rt.reject(conn, matchID, "MalformedCommand", err.Error(), frame.CorrelationID)
		return
	}

	if cmd.Kind != matchengine.CmdComment && conn.role != roleReferee {
		rt.reject(conn, matchID, "Unauthorized", "role lacks REFEREE or ADMIN", frame.CorrelationID)
		if rt.metrics != nil {
			rt.metrics.CommandRejected("Unauthorized")
		}
		return
	}

	actor := matchengine.ActorContext{SubjectID: conn.subjectID, Roles: conn.roles}
	now := rt.now()

	result, rejection, err := rt.appender.Execute(ctx, matchID, cmd, actor, now)
	if err != nil {
		rt.log.Error("event log appender failed", logging.String("match_id", matchID), logging.Error(err))
		kind := "StoreTimeout"
		if errors.Is(err, eventlog.ErrConflictExhausted) {
			kind = "Conflict"
		}
		rt.reject(conn, matchID, kind, "failed to persist command", frame.CorrelationID)
		if rt.metrics != nil {
			rt.metrics.CommandRejected(kind)
		}
		return
	}
	if rejection != nil {
		rt.reject(conn, matchID, string(rejection.Kind), rejection.Message, frame.CorrelationID)
		if rt.metrics != nil {
			rt.metrics.CommandRejected(string(rejection.Kind))
		}
		return
	}

	if rt.metrics != nil {
		rt.metrics.CommandAccepted(string(cmd.Kind))
		for _, ev := range result.Events {
			if ev.Type == matchengine.EventAutoFinish {
				rt.metrics.AutoFinish(ev.Metadata["cause"])
			}
		}
	}

	rt.publishMatchUpdate(ctx, matchID, result, now)
	tournamentID := result.NextMatch.TournamentID
	if tournamentID == "" {
		tournamentID = frame.TournamentID
	}
	if tournamentID != "" {
		rt.publishTournamentDelta(ctx, tournamentID, result.NextMatch, now)
	}
	if rt.onStateChange != nil {
		rt.onStateChange(matchID, result.NextMatch.State)
	}
}

func (rt *Router) publishMatchUpdate(ctx context.Context, matchID string, result matchengine.Result, now time.Time) {
	data, err := json.Marshal(matchUpdatePayload{Match: result.NextMatch, EmittedEvents: result.Events})
	if err != nil {
		rt.log.Error("marshal match update failed", logging.Error(err))
		return
	}
	raw, err := encodeFrame(Frame{Type: FrameMatchUpdate, MatchID: matchID, Data: data, Version: result.NextMatch.Version}, now)
	if err != nil {
		rt.log.Error("encode match update frame failed", logging.Error(err))
		return
	}
	rt.publish(ctx, channelForMatch(matchID), raw, now)
}

func (rt *Router) publishTournamentDelta(ctx context.Context, tournamentID string, match matchengine.Match, now time.Time) {
	data, err := json.Marshal(tournamentDelta{
		MatchID:             match.ID,
		State:               match.State,
		Score1:              match.Score1,
		Score2:              match.Score2,
		WinnerParticipantID: match.WinnerParticipantID,
	})
	if err != nil {
		rt.log.Error("marshal tournament delta failed", logging.Error(err))
		return
	}
	raw, err := encodeFrame(Frame{Type: FrameMatchUpdate, TournamentID: tournamentID, Data: data}, now)
	if err != nil {
		rt.log.Error("encode tournament delta frame failed", logging.Error(err))
		return
	}
	rt.publish(ctx, channelForTournament(tournamentID), raw, now)
}

func (rt *Router) publish(ctx context.Context, channel string, payload []byte, publishedAt time.Time) {
	envelope, err := json.Marshal(busEnvelope{PublishedAt: publishedAt, Payload: payload})
	if err != nil {
		rt.log.Error("marshal bus envelope failed", logging.Error(err))
		return
	}
	if err := rt.bus.Publish(ctx, channel, envelope); err != nil {
		rt.log.Error("publish to bus failed", logging.String("channel", channel), logging.Error(err))
		return
	}
	if rt.metrics != nil {
		rt.metrics.MessagePublished()
	}
}

func (rt *Router) reject(conn *Connection, matchID, kind, message, correlationID string) {
	conn.enqueue(errorFrame(matchID, kind, message, correlationID, rt.now()))
}

// decodeCommand maps a client frame onto the pure engine's Command
// vocabulary per spec.md §6.2's client->server type list.
func decodeCommand(frame Frame) (matchengine.Command, error) {
	switch frame.Type {
	case FrameScoreUpdate:
		var payload scoreUpdatePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return matchengine.Command{}, fmt.Errorf("decode SCORE_UPDATE: %w", err)
		}
		return matchengine.Command{
			Kind:          matchengine.CmdScore,
			MatchID:       frame.MatchID,
			ParticipantID: payload.ParticipantID,
			ScoreKind:     matchengine.ScoreKind(payload.ScoreKind),
		}, nil
	case FrameMatchStateUpdate:
		var payload matchStateUpdatePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return matchengine.Command{}, fmt.Errorf("decode MATCH_STATE_UPDATE: %w", err)
		}
		kind, ok := stateActionToCommandKind[payload.Action]
		if !ok {
			return matchengine.Command{}, fmt.Errorf("unknown MATCH_STATE_UPDATE action %q", payload.Action)
		}
		return matchengine.Command{Kind: kind, MatchID: frame.MatchID}, nil
	case FrameTimerUpdateClient:
		var payload timerUpdateClientPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return matchengine.Command{}, fmt.Errorf("decode TIMER_UPDATE: %w", err)
		}
		return matchengine.Command{Kind: matchengine.CmdTimerSet, MatchID: frame.MatchID, Seconds: payload.Seconds}, nil
	case FrameComment:
		var payload commentPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return matchengine.Command{}, fmt.Errorf("decode COMMENT: %w", err)
		}
		return matchengine.Command{
			Kind:          matchengine.CmdComment,
			MatchID:       frame.MatchID,
			ParticipantID: payload.ParticipantID,
			Text:          payload.Text,
		}, nil
	default:
		return matchengine.Command{}, fmt.Errorf("unsupported inbound frame type %q", frame.Type)
	}
}

var stateActionToCommandKind = map[string]matchengine.CommandKind{
	"START":  matchengine.CmdStart,
	"PAUSE":  matchengine.CmdPause,
	"RESET":  matchengine.CmdReset,
	"END":    matchengine.CmdEnd,
	"CANCEL": matchengine.CmdCancel,
}

func channelForMatch(matchID string) string           { return "match:" + matchID }
func channelForTournament(tournamentID string) string  { return "tournament:" + tournamentID }

// claimsToRoles maps verified token claims onto the engine's Role
// vocabulary. Every claim string is converted as-is; the verifier has
// already dropped role strings outside its known set.
func claimsToRoles(claims *auth.TokenClaims) []matchengine.Role {
	if claims == nil {
		return nil
	}
	roles := make([]matchengine.Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, matchengine.Role(r))
	}
	return roles
}
