// Package store persists voting sessions, tickets and tallies. Two
// implementations exist: Postgres for production and an in-memory one
// for tests and local development. Both enforce the same write
// preconditions; all correctness under concurrency rests on them, not
// on callers holding locks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openassembly/evote/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyStarted is returned by StartSession when the session
	// already has a start time.
	ErrAlreadyStarted = errors.New("store: session already started")
	// ErrAlreadyVoted is returned by SubmitVote when the ticket's
	// voted-at precondition fails. Every sub-write failure inside the
	// submit transaction surfaces as this error.
	ErrAlreadyVoted = errors.New("store: ticket already voted")
	// ErrResultsPublished is returned by SaveResults when results were
	// already frozen onto the session.
	ErrResultsPublished = errors.New("store: results already published")
)

// Choice is one tally increment of a submit-vote transaction.
type Choice struct {
	BallotIndex int
	OptionIndex int
}

// SubmitVote describes the atomic transaction recording one vote: mark
// the ticket voted, append the voter to the session's participant list,
// and add Weight to every chosen option's tally. All writes commit
// together or not at all.
type SubmitVote struct {
	SessionID string
	VoterID   string
	VoterName string
	Weight    decimal.Decimal
	Choices   []Choice
	// RecordVoter appends VoterName to each touched tally row. False
	// for secret sessions.
	RecordVoter bool

	VotedAt   time.Time
	UserAgent string
	IPAddress string
}

type Store interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// UpdateSession replaces the session's editable fields. Callers
	// guard the pre-start rule; the store writes what it is given.
	UpdateSession(ctx context.Context, s *domain.Session) error
	// DeleteSession removes the session with its tickets and tallies.
	DeleteSession(ctx context.Context, sessionID string) error
	// ListInProgressIDs returns ids of sessions whose voting window
	// contains now.
	ListInProgressIDs(ctx context.Context, now time.Time) ([]string, error)

	// StartSession atomically writes the schedule and all tickets,
	// guarded by the session not having a start time yet.
	StartSession(ctx context.Context, sessionID string, startsAt, endsAt time.Time, timezone string, tickets []domain.Ticket) error
	SetSessionEnd(ctx context.Context, sessionID string, endsAt time.Time) error
	SetArchived(ctx context.Context, sessionID string, archivedAt *time.Time) error
	// SaveResults freezes the results onto the session, guarded by no
	// results being set yet.
	SaveResults(ctx context.Context, sessionID string, r domain.Results) error

	GetTicket(ctx context.Context, sessionID, voterID string) (*domain.Ticket, error)
	ListTickets(ctx context.Context, sessionID string) ([]domain.Ticket, error)
	// MarkSignedIn records the first sign-in; later calls are no-ops.
	MarkSignedIn(ctx context.Context, sessionID, voterID string, at time.Time) error

	SubmitVote(ctx context.Context, v SubmitVote) error
	ListTallies(ctx context.Context, sessionID string) ([]domain.TallyRow, error)
}
