// Package eventlog drives the Match Engine against the Match Store with
// an optimistic-concurrency retry loop: load the current aggregate, run
// the pure engine, and attempt to persist the result at the version it
// was loaded from. A concurrent writer winning the race forces a reload
// and a fresh Apply rather than ever merging or assuming staleness.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spk364/procomp/internal/matchengine"
	"github.com/spk364/procomp/internal/store"
)

// ErrConflictExhausted is returned once the retry budget is spent without
// a successful append, meaning the match is under heavier concurrent
// write pressure than COMMAND_RETRY_MAX was configured to absorb.
var ErrConflictExhausted = errors.New("eventlog: exhausted retry budget on version conflict")

// Appender wraps a Store with the retry-on-conflict pipeline the Command
// Router calls for every mutating command.
type Appender struct {
	store      store.Store
	maxRetries int
}

// NewAppender constructs an Appender. maxRetries is the number of extra
// attempts after the first (COMMAND_RETRY_MAX, default 3); 0 means only
// a single attempt is made.
func NewAppender(s store.Store, maxRetries int) *Appender {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Appender{store: s, maxRetries: maxRetries}
}

// Execute loads matchID, applies cmd via the pure engine, and persists
// the result, retrying on version conflicts up to the configured budget.
// A non-nil Rejection means the command was evaluated and refused by the
// engine; the store is never touched in that case. A non-nil error means
// the command could not be durably applied at all.
func (a *Appender) Execute(ctx context.Context, matchID string, cmd matchengine.Command, actor matchengine.ActorContext, now time.Time) (matchengine.Result, *matchengine.Rejection, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		match, err := a.store.LoadMatch(ctx, matchID)
		if err != nil {
			return matchengine.Result{}, nil, fmt.Errorf("eventlog: load match: %w", err)
		}

		result, rejection := matchengine.Apply(match, cmd, actor, now)
		if rejection != nil {
			return matchengine.Result{}, rejection, nil
		}

		err = a.store.AppendEvents(ctx, matchID, match.Version, result.NextMatch, result.Events)
		if err == nil {
			return result, nil, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return matchengine.Result{}, nil, fmt.Errorf("eventlog: append events: %w", err)
	}
	if lastErr != nil {
		return matchengine.Result{}, nil, fmt.Errorf("%w: %v", ErrConflictExhausted, lastErr)
	}
	return matchengine.Result{}, nil, ErrConflictExhausted
}
