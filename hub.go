package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/matchengine"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/networking"
	"github.com/spk364/procomp/internal/pubsub"
	"github.com/spk364/procomp/internal/store"
)

const (
	roleReferee = "referee"
	roleViewer  = "viewer"
)

// Always allow localhost for dev convenience, matching the teacher's policy.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// HubConfig carries the subset of config.Config the Hub and its
// Connections need, grounded on the teacher's ping/idle/payload policy
// variables threaded through main().
type HubConfig struct {
	PingInterval  time.Duration
	IdleTimeout   time.Duration
	SendQueueSize int
	SendTimeout   time.Duration
	TickerOwnerID string
	PersistEvery  time.Duration
}

// Hub is the per-process connection registry and channel subscription
// index described in spec.md §4.6. Grounded directly on the teacher's
// Broker (client map under a single RWMutex) generalized with a
// reference-counted per-channel subscription index, since the teacher
// broadcast to every connected client on one implicit global channel.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Connection]struct{}
	channels map[string]map[*Connection]struct{}
	cancels  map[string]context.CancelFunc // per-channel dispatch pump
	tickers  map[string]*MatchTicker        // keyed by matchID

	bus       pubsub.Bus
	elector   pubsub.LeaseElector
	store     store.Store
	router    *Router
	verifier  *auth.HMACTokenVerifier
	metrics   *metrics.Registry
	log       *logging.Logger
	upgrader  websocket.Upgrader
	bandwidth *networking.BandwidthRegulator

	cfg HubConfig
}

// NewHub constructs a Hub. allowedOrigins configures the WebSocket
// CheckOrigin allowlist, following the teacher's buildOriginChecker.
func NewHub(bus pubsub.Bus, elector pubsub.LeaseElector, st store.Store, router *Router, verifier *auth.HMACTokenVerifier, metricsRegistry *metrics.Registry, logger *logging.Logger, allowedOrigins []string, cfg HubConfig) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.TickerOwnerID == "" {
		cfg.TickerOwnerID = uuid.NewString()
	}
	h := &Hub{
		conns:     make(map[*Connection]struct{}),
		channels:  make(map[string]map[*Connection]struct{}),
		cancels:   make(map[string]context.CancelFunc),
		tickers:   make(map[string]*MatchTicker),
		bus:       bus,
		elector:   elector,
		store:     st,
		router:    router,
		verifier:  verifier,
		metrics:   metricsRegistry,
		log:       logger,
		bandwidth: networking.NewBandwidthRegulator(networking.DefaultBandwidthLimitBytesPerSecond, nil),
		cfg:       cfg,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: buildOriginChecker(logger, allowedOrigins)}
	return h
}

// ServeMatch handles `GET /api/v1/ws/match/{matchId}` per spec.md §6.1.
func (h *Hub) ServeMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("matchId")
	h.accept(w, r, matchID, "", channelForMatch(matchID))
}

// ServeTournament handles `GET /api/v1/ws/tournament/{tournamentId}`.
func (h *Hub) ServeTournament(w http.ResponseWriter, r *http.Request) {
	tournamentID := r.PathValue("tournamentId")
	h.accept(w, r, "", tournamentID, channelForTournament(tournamentID))
}

// accept implements the common upgrade/auth/role/register sequence for
// both WebSocket endpoints, grounded on the teacher's serveWS.
func (h *Hub) accept(w http.ResponseWriter, r *http.Request, matchID, tournamentID, channel string) {
	ctx, reqLogger, _ := logging.WithTrace(r.Context(), logging.LoggerFromContext(r.Context()), logging.TraceIDFromContext(r.Context()))
	r = r.WithContext(ctx)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	claims, authErr := h.verifier.Verify(bearerToken(r))

	role := roleViewer
	if authErr == nil && strings.EqualFold(r.URL.Query().Get("role"), roleReferee) {
		if claims.HasRole(string(matchengine.RoleReferee)) || claims.HasRole(string(matchengine.RoleAdmin)) {
			role = roleReferee
		} else {
			reqLogger.Debug("downgrading requested referee role to viewer", logging.String("subject", claims.Subject))
		}
	}

	conn := newConnection(h, wsConn, matchID, tournamentID, channel, role, claims, reqLogger.With(logging.String("connection_id", uuid.NewString())))

	if authErr != nil {
		reqLogger.Warn("rejecting websocket connection: authentication failed", logging.Error(authErr))
		conn.closeWithPolicy(4401, "unauthenticated")
		return
	}

	h.register(conn)
	defer h.unregister(conn)
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
		defer h.metrics.ConnectionClosed()
	}

	conn.sendConnectionStatus()
	h.sendMatchSnapshot(ctx, conn, matchID, r.URL.Query().Get("sinceVersion"))
	conn.run(ctx)
}

// bearerToken extracts the auth token per spec.md §4.1: the
// `Authorization: Bearer <token>` header takes priority, falling back to
// the `?token=` query parameter browsers must use since `new WebSocket`
// cannot set request headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// sendMatchSnapshot implements spec.md §8 scenario 6's reconnect-with-
// resume behavior: a newly accepted match subscriber is sent the current
// Match as an initial MATCH_UPDATE so it never has to wait for the next
// mutation to learn current state. If the client supplied `sinceVersion`,
// the gap is backfilled with every event recorded after that version.
func (h *Hub) sendMatchSnapshot(ctx context.Context, conn *Connection, matchID, sinceVersion string) {
	if matchID == "" {
		return
	}
	match, err := h.store.LoadMatch(ctx, matchID)
	if err != nil {
		h.log.Warn("failed to load match for initial snapshot", logging.String("match_id", matchID), logging.Error(err))
		return
	}

	var emitted []matchengine.MatchEvent
	if sinceVersion != "" {
		since, parseErr := strconv.ParseUint(sinceVersion, 10, 64)
		if parseErr != nil {
			h.log.Warn("ignoring malformed sinceVersion", logging.String("match_id", matchID), logging.String("sinceVersion", sinceVersion))
		} else if events, err := h.store.RecentEvents(ctx, matchID, since, 0); err != nil {
			h.log.Warn("failed to load recent events for resume", logging.String("match_id", matchID), logging.Error(err))
		} else {
			emitted = events
		}
	}

	data, err := json.Marshal(matchUpdatePayload{Match: match, EmittedEvents: emitted})
	if err != nil {
		return
	}
	raw, err := encodeFrame(Frame{Type: FrameMatchUpdate, MatchID: matchID, Version: match.Version, Data: data}, time.Now())
	if err != nil {
		return
	}
	conn.enqueue(raw)
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	set, ok := h.channels[conn.channel]
	if !ok {
		set = make(map[*Connection]struct{})
		h.channels[conn.channel] = set
	}
	set[conn] = struct{}{}
	first := len(set) == 1
	h.mu.Unlock()

	if first {
		h.startChannelPump(conn.channel)
		if conn.matchID != "" {
			h.maybeStartTicker(conn.matchID)
		}
	}
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	last := false
	if set, ok := h.channels[conn.channel]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.channels, conn.channel)
			last = true
		}
	}
	h.mu.Unlock()
	conn.close()
	h.bandwidth.Forget(conn.id)

	if last {
		h.stopChannelPump(conn.channel)
		if conn.matchID != "" {
			h.maybeStopTicker(conn.matchID)
		}
	}
}

// deliverLocal fans payload out to every Connection subscribed to
// channel, evicting any connection whose outbound queue cannot accept it
// within SEND_TIMEOUT. Grounded on the teacher's publishWorldSnapshot:
// snapshot the subscriber set under RLock, then deliver outside the lock
// so one slow client never blocks the Dispatcher.
func (h *Hub) deliverLocal(channel string, payload []byte) int {
	h.mu.RLock()
	set := h.channels[channel]
	targets := make([]*Connection, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// matchSubscriberCount reports how many connections are on match:{id}, used
// by ticker.go to decide whether a ticker should run.
func (h *Hub) matchSubscriberCount(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelForMatch(matchID)])
}

// parseAllowedOrigins splits a comma-separated BROKER_ALLOWED_ORIGINS value.
func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}

// buildOriginChecker is kept byte-for-byte in spirit from the teacher's
// main.go: an allowlist of scheme://host pairs, always permitting
// localhost for development.
func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		key := strings.ToLower(u.Scheme + "://" + u.Host)
		allowed[key] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		key := strings.ToLower(originURL.Scheme + "://" + originURL.Host)
		if _, ok := allowed[key]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}
