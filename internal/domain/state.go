package domain

import "time"

// State is the session lifecycle, computed from the persisted
// timestamps. Publication of results and archiving are orthogonal flags
// carried on the session itself.
type State string

const (
	// StateDraft means the session is still being authored and is not
	// visible to voters.
	StateDraft State = "DRAFT"
	// StateScheduled means the session is published but not yet started.
	StateScheduled State = "SCHEDULED"
	// StateInProgress means the session accepts votes.
	StateInProgress State = "IN_PROGRESS"
	// StateEnded means the voting window is over.
	StateEnded State = "ENDED"
)

// StateOf derives the lifecycle state at the given instant. It is total:
// every combination of timestamps maps to exactly one state.
func (s *Session) StateOf(now time.Time) State {
	switch {
	case s.Ended(now):
		return StateEnded
	case s.InProgress(now):
		return StateInProgress
	case s.PublishedSince != nil && !now.Before(*s.PublishedSince):
		return StateScheduled
	default:
		return StateDraft
	}
}
