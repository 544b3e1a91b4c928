package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spk364/procomp/internal/eventlog"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/matchengine"
)

// tickerActor is the system identity the ticker uses to issue durable
// TIMER_SET/TIMER_EXPIRED commands through the same Event Log Appender
// every referee command goes through.
var tickerActor = matchengine.ActorContext{SubjectID: "system-ticker", Roles: []matchengine.Role{matchengine.RoleAdmin}}

// MatchTicker owns the per-second countdown for one IN_PROGRESS match, as
// described in spec.md §4.6 and §5. Exactly one replica runs a given
// match's ticker at a time, arbitrated by a Pub/Sub Bus lease (§5
// "Timer ownership"). Grounded on the teacher's ping-ticker goroutine
// shape in serveWS, generalized from a fixed keepalive interval to a
// lease-guarded countdown with periodic durable reconciliation.
type MatchTicker struct {
	matchID string
	cancel  context.CancelFunc
}

// maybeStartTicker starts a ticker for matchID if it has at least one
// subscriber, the match is IN_PROGRESS, and this replica wins the lease.
// A no-op if a ticker for matchID is already running.
func (h *Hub) maybeStartTicker(matchID string) {
	h.mu.Lock()
	if _, running := h.tickers[matchID]; running {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if h.matchSubscriberCount(matchID) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	match, err := h.store.LoadMatch(ctx, matchID)
	if err != nil || match.State != matchengine.StateInProgress {
		cancel()
		return
	}

	leaseTTL := h.cfg.PingInterval
	if leaseTTL <= 0 {
		leaseTTL = 25 * time.Second
	}
	acquired, err := h.elector.TryAcquire(ctx, tickerLeaseKey(matchID), h.cfg.TickerOwnerID, leaseTTL)
	if err != nil || !acquired {
		cancel()
		return
	}

	h.mu.Lock()
	h.tickers[matchID] = &MatchTicker{matchID: matchID, cancel: cancel}
	h.mu.Unlock()

	go h.runTicker(ctx, matchID, match.TimeRemainingSeconds, leaseTTL)
}

// maybeStopTicker releases and stops matchID's ticker once it has no more
// local subscribers.
func (h *Hub) maybeStopTicker(matchID string) {
	if h.matchSubscriberCount(matchID) > 0 {
		return
	}
	h.stopTicker(matchID)
}

// stopTicker unconditionally cancels matchID's ticker, used when a
// command transitions the match out of IN_PROGRESS regardless of how
// many subscribers remain.
func (h *Hub) stopTicker(matchID string) {
	h.mu.Lock()
	ticker, ok := h.tickers[matchID]
	if ok {
		delete(h.tickers, matchID)
	}
	h.mu.Unlock()
	if ok {
		ticker.cancel()
	}
}

// reconcileTickerState is the Router's hook (run after every accepted
// command) for starting or stopping a match's ticker as its run state
// changes, not only when connections (dis)subscribe. Without this, a
// match that transitions from SCHEDULED to IN_PROGRESS while its
// subscribers are already connected would never get a ticker, since
// register's maybeStartTicker call already ran (and bailed) before START
// was issued.
func (h *Hub) reconcileTickerState(matchID string, state matchengine.MatchState) {
	if state == matchengine.StateInProgress {
		h.maybeStartTicker(matchID)
		return
	}
	h.stopTicker(matchID)
}

func (h *Hub) runTicker(ctx context.Context, matchID string, remaining uint, leaseTTL time.Duration) {
	defer func() {
		_ = h.elector.Release(context.Background(), tickerLeaseKey(matchID), h.cfg.TickerOwnerID)
		h.mu.Lock()
		delete(h.tickers, matchID)
		h.mu.Unlock()
	}()

	persistEvery := h.cfg.PersistEvery
	if persistEvery <= 0 {
		persistEvery = 10 * time.Second
	}
	renewInterval := leaseTTL / 2
	if renewInterval <= 0 {
		renewInterval = leaseTTL
	}

	tick := time.NewTicker(time.Second)
	renew := time.NewTicker(renewInterval)
	persist := time.NewTicker(persistEvery)
	defer tick.Stop()
	defer renew.Stop()
	defer persist.Stop()

	appender := h.router.appender

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			ok, err := h.elector.Renew(ctx, tickerLeaseKey(matchID), h.cfg.TickerOwnerID, leaseTTL)
			if err != nil || !ok {
				h.log.Warn("lost timer lease", logging.String("match_id", matchID), logging.Error(err))
				return
			}
		case <-persist.C:
			if remaining == 0 {
				continue
			}
			if !h.persistTimer(ctx, appender, matchID, remaining) {
				return
			}
		case <-tick.C:
			if remaining == 0 {
				continue
			}
			remaining--
			h.broadcastTimerTick(ctx, matchID, remaining)
			if remaining == 0 {
				h.finishOnTimerExpiry(ctx, appender, matchID)
				return
			}
		}
	}
}

// broadcastTimerTick publishes the lightweight, non-durable TIMER_UPDATE
// advisory frame clients treat as informational between durable events.
// Published through the Pub/Sub Bus, not delivered only to this
// replica's local subscribers, since exactly one replica owns a given
// match's ticker lease while viewers may be connected to any replica (§5).
func (h *Hub) broadcastTimerTick(ctx context.Context, matchID string, remaining uint) {
	data, err := json.Marshal(struct {
		Seconds uint `json:"seconds"`
	}{Seconds: remaining})
	if err != nil {
		return
	}
	now := time.Now()
	raw, err := encodeFrame(Frame{Type: FrameTimerUpdate, MatchID: matchID, Data: data}, now)
	if err != nil {
		return
	}
	h.router.publish(ctx, channelForMatch(matchID), raw, now)
}

func (h *Hub) persistTimer(ctx context.Context, appender *eventlog.Appender, matchID string, remaining uint) bool {
	cmd := matchengine.Command{Kind: matchengine.CmdTimerSet, MatchID: matchID, Seconds: remaining}
	_, rejection, err := appender.Execute(ctx, matchID, cmd, tickerActor, time.Now())
	if err != nil {
		h.log.Error("ticker failed to persist timer", logging.String("match_id", matchID), logging.Error(err))
		return false
	}
	if rejection != nil {
		h.log.Warn("ticker timer persist rejected", logging.String("match_id", matchID), logging.String("kind", string(rejection.Kind)))
		return false
	}
	return true
}

func (h *Hub) finishOnTimerExpiry(ctx context.Context, appender *eventlog.Appender, matchID string) {
	result, rejection, err := appender.Execute(ctx, matchID, matchengine.TimerExpired(), tickerActor, time.Now())
	if err != nil {
		h.log.Error("ticker failed to finalize match", logging.String("match_id", matchID), logging.Error(err))
		return
	}
	if rejection != nil {
		h.log.Warn("ticker expiry rejected", logging.String("match_id", matchID), logging.String("kind", string(rejection.Kind)))
		return
	}
	data, _ := json.Marshal(matchUpdatePayload{Match: result.NextMatch, EmittedEvents: result.Events})
	now := time.Now()
	raw, err := encodeFrame(Frame{Type: FrameMatchUpdate, MatchID: matchID, Version: result.NextMatch.Version, Data: data}, now)
	if err != nil {
		return
	}
	h.router.publish(ctx, channelForMatch(matchID), raw, now)
}

func tickerLeaseKey(matchID string) string { return "ticker:" + matchID }
