// Package store persists Match aggregates and their event logs behind a
// small Store contract, mirroring the optimistic-concurrency discipline
// the Event Log Appender relies on: every mutation is accepted only if the
// caller's expectedVersion still matches the stored Match.Version.
package store

import (
	"context"
	"errors"

	"github.com/spk364/procomp/internal/matchengine"
)

// ErrNotFound is returned when a match id has no stored aggregate.
var ErrNotFound = errors.New("store: match not found")

// ErrVersionConflict is returned by AppendEvents when expectedVersion no
// longer matches the stored Match's version, signalling the caller must
// reload and retry (spec.md §4.3's optimistic-concurrency contract).
var ErrVersionConflict = errors.New("store: version conflict")

// ErrAlreadyExists is returned by CreateMatch when the id is already taken.
var ErrAlreadyExists = errors.New("store: match already exists")

// Store is the Match Store abstraction every transport and pub/sub
// component depends on. Implementations must be safe for concurrent use.
type Store interface {
	// CreateMatch seeds a brand-new match at version 0 with a single
	// MATCH_CREATED event. It fails with ErrAlreadyExists if the id is taken.
	CreateMatch(ctx context.Context, match matchengine.Match, created matchengine.MatchEvent) error

	// LoadMatch returns the current aggregate for id, or ErrNotFound.
	LoadMatch(ctx context.Context, matchID string) (matchengine.Match, error)

	// AppendEvents atomically advances a match from expectedVersion to
	// next.Version, durably recording events, or fails with
	// ErrVersionConflict if the stored version has moved on.
	AppendEvents(ctx context.Context, matchID string, expectedVersion uint64, next matchengine.Match, events []matchengine.MatchEvent) error

	// RecentEvents returns events with Sequence > sinceSeq, oldest first,
	// bounded to limit (0 means no limit). Used to backfill reconnecting
	// subscribers.
	RecentEvents(ctx context.Context, matchID string, sinceSeq uint64, limit int) ([]matchengine.MatchEvent, error)

	// ListActiveMatches returns ids of every non-terminal match known to
	// the store, used by the health probe.
	ListActiveMatches(ctx context.Context) ([]string, error)
}
