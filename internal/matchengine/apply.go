package matchengine

import (
	"fmt"
	"time"
)

// Apply is the engine's sole entry point: given the current Match, an
// inbound Command, the issuing actor's roles, and the wall-clock time of
// evaluation, it returns either the next Match plus every event the
// transition emitted, or a Rejection. It performs no I/O, blocks on
// nothing, and mutates neither match nor cmd.
func Apply(match Match, cmd Command, actor ActorContext, now time.Time) (Result, *Rejection) {
	if cmd.Kind != CmdComment && !actor.CanMutate() {
		return Result{}, reject(RejectUnauthorized, "actor lacks REFEREE or ADMIN role")
	}

	switch cmd.Kind {
	case CmdStart:
		return applyStart(match, now)
	case CmdPause:
		return applyPause(match, now)
	case CmdReset:
		return applyReset(match, now)
	case CmdEnd:
		return applyEnd(match, now)
	case CmdCancel:
		return applyCancel(match, now)
	case CmdScore:
		return applyScore(match, cmd, now)
	case CmdTimerSet:
		return applyTimerSet(match, cmd, now)
	case CmdComment:
		return applyComment(match, cmd, actor, now)
	case cmdTimerExpire:
		return applyTimerExpire(match, now)
	default:
		return Result{}, reject(RejectMalformedCommand, fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}
}

// TimerExpired builds the synthetic command the Hub's per-match ticker
// issues when timeRemainingSeconds reaches zero while IN_PROGRESS (§4.4,
// §4.6). It is not reachable from an inbound WebSocket frame.
func TimerExpired() Command {
	return Command{Kind: cmdTimerExpire}
}

// seqAllocator assigns dense, gap-free sequence numbers starting at
// match.Version+1, satisfying invariant I1 for the events a single Apply
// call emits.
type seqAllocator struct {
	matchID string
	next    uint64
}

func newSeqAllocator(match Match) *seqAllocator {
	return &seqAllocator{matchID: match.ID, next: match.Version + 1}
}

func (a *seqAllocator) emit(now time.Time, actorID, participantID string, typ EventType, value string, metadata map[string]string) MatchEvent {
	seq := a.next
	a.next++
	return MatchEvent{
		ID:            fmt.Sprintf("%s-%d", a.matchID, seq),
		MatchID:       a.matchID,
		Sequence:      seq,
		Timestamp:     now,
		ActorID:       actorID,
		ParticipantID: participantID,
		Type:          typ,
		Value:         value,
		Metadata:      metadata,
	}
}

func (a *seqAllocator) finish(match Match) Match {
	match.Version = a.next - 1
	return match
}

func applyStart(match Match, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	if match.State != StateScheduled && match.State != StatePaused {
		return Result{}, reject(RejectInvalidTransition, fmt.Sprintf("cannot START from %s", match.State))
	}
	alloc := newSeqAllocator(match)
	next := match
	if next.StartedAt.IsZero() {
		next.StartedAt = now
	}
	if next.TimeRemainingSeconds == 0 && next.DurationSeconds > 0 {
		next.TimeRemainingSeconds = next.DurationSeconds
	}
	next.State = StateInProgress
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", "", EventStart, "", nil)}
	next = alloc.finish(next)
	return Result{NextMatch: next, Events: events}, nil
}

func applyPause(match Match, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	if match.State != StateInProgress {
		return Result{}, reject(RejectInvalidTransition, fmt.Sprintf("cannot PAUSE from %s", match.State))
	}
	alloc := newSeqAllocator(match)
	next := match
	next.State = StatePaused
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", "", EventStateChange, string(StatePaused), nil)}
	next = alloc.finish(next)
	return Result{NextMatch: next, Events: events}, nil
}

func applyReset(match Match, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	alloc := newSeqAllocator(match)
	next := match
	next.Score1 = Score{}
	next.Score2 = Score{}
	next.TimeRemainingSeconds = next.DurationSeconds
	next.State = StateScheduled
	next.StartedAt = time.Time{}
	next.WinnerParticipantID = ""
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", "", EventReset, "", nil)}
	next = alloc.finish(next)
	return Result{NextMatch: next, Events: events}, nil
}

func applyEnd(match Match, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	if match.State != StateInProgress && match.State != StatePaused {
		return Result{}, reject(RejectInvalidTransition, fmt.Sprintf("cannot END from %s", match.State))
	}
	return finishMatch(match, now)
}

func applyCancel(match Match, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	alloc := newSeqAllocator(match)
	next := match
	next.State = StateCancelled
	next.FinishedAt = now
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", "", EventStateChange, string(StateCancelled), nil)}
	next = alloc.finish(next)
	return Result{NextMatch: next, Events: events}, nil
}

func applyComment(match Match, cmd Command, actor ActorContext, now time.Time) (Result, *Rejection) {
	if cmd.Text == "" {
		return Result{}, reject(RejectMalformedCommand, "comment text must not be empty")
	}
	alloc := newSeqAllocator(match)
	next := match
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, actor.SubjectID, cmd.ParticipantID, EventComment, cmd.Text, nil)}
	next = alloc.finish(next)
	return Result{NextMatch: next, Events: events}, nil
}

func applyTimerSet(match Match, cmd Command, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	alloc := newSeqAllocator(match)
	next := match
	seconds := cmd.Seconds
	if seconds > next.DurationSeconds {
		seconds = next.DurationSeconds
	}
	next.TimeRemainingSeconds = seconds
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", "", EventTimerUpdate, fmt.Sprintf("%d", seconds), nil)}
	next = alloc.finish(next)
	return Result{NextMatch: next, Events: events}, nil
}

func applyTimerExpire(match Match, now time.Time) (Result, *Rejection) {
	if match.State != StateInProgress {
		return Result{}, reject(RejectInvalidTransition, "timer expiry only applies while IN_PROGRESS")
	}
	alloc := newSeqAllocator(match)
	next := match
	next.TimeRemainingSeconds = 0
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", "", EventTimerUpdate, "0", nil)}
	finished, finishEvents := finishLocked(next, now, &alloc.next)
	finishEvents = markAutoFinish(finishEvents, "timer")
	events = append(events, finishEvents...)
	finished.Version = alloc.next - 1
	return Result{NextMatch: finished, Events: events}, nil
}

func applyScore(match Match, cmd Command, now time.Time) (Result, *Rejection) {
	if match.State.Terminal() {
		return Result{}, reject(RejectMatchTerminal, "match is terminal")
	}
	if match.State != StateInProgress {
		return Result{}, reject(RejectInvalidTransition, fmt.Sprintf("cannot SCORE from %s", match.State))
	}
	if cmd.ParticipantID == "" {
		return Result{}, reject(RejectMalformedCommand, "SCORE requires a participantId")
	}
	if _, ok := match.ParticipantScore(cmd.ParticipantID); !ok {
		return Result{}, reject(RejectUnknownParticipant, fmt.Sprintf("%q is not a participant on this match", cmd.ParticipantID))
	}

	alloc := newSeqAllocator(match)
	next := match
	var eventType EventType
	switch cmd.ScoreKind {
	case ScorePoints2:
		eventType = EventPoints2
		mutateScore(&next, cmd.ParticipantID, func(s *Score) { s.Points += 2 })
	case ScoreAdvantage:
		eventType = EventAdvantage
		mutateScore(&next, cmd.ParticipantID, func(s *Score) { s.Advantages++ })
	case ScorePenalty:
		eventType = EventPenalty
		mutateScore(&next, cmd.ParticipantID, func(s *Score) { s.Penalties++ })
	case ScoreSubmission:
		eventType = EventSubmission
		mutateScore(&next, cmd.ParticipantID, func(s *Score) { s.Submissions++ })
	default:
		return Result{}, reject(RejectMalformedCommand, fmt.Sprintf("unknown score kind %q", cmd.ScoreKind))
	}
	next.UpdatedAt = now
	events := []MatchEvent{alloc.emit(now, "", cmd.ParticipantID, eventType, "", nil)}

	if cause, auto := autoFinishCause(next); auto {
		finished, finishEvents := finishLocked(next, now, &alloc.next)
		finishEvents = markAutoFinish(finishEvents, cause)
		events = append(events, finishEvents...)
		next = finished
	}
	next.Version = alloc.next - 1
	return Result{NextMatch: next, Events: events}, nil
}

func mutateScore(m *Match, participantID string, mutate func(*Score)) {
	switch participantID {
	case m.Participant1.ID:
		mutate(&m.Score1)
	case m.Participant2.ID:
		mutate(&m.Score2)
	}
}

// autoFinishCause evaluates the §4.4 auto-finish rules after an accepted
// SCORE, returning the cause used to tag the AUTO_FINISH event.
func autoFinishCause(m Match) (string, bool) {
	if m.Score1.Submissions > 0 || m.Score2.Submissions > 0 {
		return "submission", true
	}
	if m.Score1.Penalties >= 3 || m.Score2.Penalties >= 3 {
		return "disqualification", true
	}
	return "", false
}

// finishMatch is the entry point for an explicit END command: it runs the
// tie-break and emits a STATE_CHANGE(FINISHED) event, bumping version once.
func finishMatch(match Match, now time.Time) (Result, *Rejection) {
	alloc := newSeqAllocator(match)
	finished, events := finishLocked(match, now, &alloc.next)
	finished.Version = alloc.next - 1
	return Result{NextMatch: finished, Events: events}, nil
}

// finishLocked performs the shared FINISHED transition (tie-break, winner
// assignment, STATE_CHANGE event) used by END, auto-finish, and timer
// expiry. It advances *cursor in place so callers threading an in-flight
// seqAllocator's next field through it stay consistent.
func finishLocked(match Match, now time.Time, cursor *uint64) (Match, []MatchEvent) {
	next := match
	next.State = StateFinished
	next.FinishedAt = now
	next.UpdatedAt = now
	next.WinnerParticipantID = tieBreak(next)

	seq := *cursor
	*cursor = seq + 1
	event := MatchEvent{
		ID:        fmt.Sprintf("%s-%d", match.ID, seq),
		MatchID:   match.ID,
		Sequence:  seq,
		Timestamp: now,
		Type:      EventStateChange,
		Value:     string(StateFinished),
	}
	return next, []MatchEvent{event}
}

// markAutoFinish relabels the trailing STATE_CHANGE event emitted by
// finishLocked as AUTO_FINISH when the transition was engine-initiated
// rather than requested via an explicit END command.
func markAutoFinish(events []MatchEvent, cause string) []MatchEvent {
	if len(events) == 0 {
		return events
	}
	last := events[len(events)-1]
	last.Type = EventAutoFinish
	last.Metadata = map[string]string{"cause": cause}
	events[len(events)-1] = last
	return events
}

// tieBreak implements the deterministic winner rule from spec.md §4.4.
func tieBreak(m Match) string {
	switch {
	case m.Score1.Submissions > 0 && m.Score2.Submissions == 0:
		return m.Participant1.ID
	case m.Score2.Submissions > 0 && m.Score1.Submissions == 0:
		return m.Participant2.ID
	}
	switch {
	case m.Score1.Penalties >= 3 && m.Score2.Penalties < 3:
		return m.Participant2.ID
	case m.Score2.Penalties >= 3 && m.Score1.Penalties < 3:
		return m.Participant1.ID
	}
	if m.Score1.Points != m.Score2.Points {
		if m.Score1.Points > m.Score2.Points {
			return m.Participant1.ID
		}
		return m.Participant2.ID
	}
	if m.Score1.Advantages != m.Score2.Advantages {
		if m.Score1.Advantages > m.Score2.Advantages {
			return m.Participant1.ID
		}
		return m.Participant2.ID
	}
	if m.Score1.Penalties != m.Score2.Penalties {
		if m.Score1.Penalties < m.Score2.Penalties {
			return m.Participant1.ID
		}
		return m.Participant2.ID
	}
	return ""
}
