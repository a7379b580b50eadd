// Package vote is the gateway voters pass through: it authenticates a
// ticket, records sign-in, and turns a submission into the atomic
// ticket-spend-plus-tally transaction.
package vote

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/store"
)

var (
	votesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evote_votes_accepted_total",
		Help: "Vote submissions committed to the store.",
	})
	votesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evote_votes_rejected_total",
		Help: "Vote submissions rejected before or during the transaction.",
	}, []string{"reason"})
)

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	// Now is replaceable in tests.
	Now func() time.Time
}

type Service struct {
	store store.Store
	eb    *event.Bus
	now   func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store: c.Store,
		eb:    c.EventBus,
		now:   now,
	}
}

type BeginVoteRequest struct {
	SessionID string
	VoterID   string
	Token     string
}

type BeginVoteResponse struct {
	Session *domain.Session
	// Ticket keeps its token: the caller just proved possession.
	Ticket *domain.Ticket
}

// BeginVote authenticates the ticket link and records the voter's first
// sign-in. Sign-in is best effort: a failure to record it never blocks
// the voter.
func (s *Service) BeginVote(ctx context.Context, req BeginVoteRequest) (*BeginVoteResponse, error) {
	ss, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	t, err := s.resolveTicket(ctx, req.SessionID, req.VoterID, req.Token)
	if err != nil {
		return nil, err
	}
	if t.Voted() {
		votesRejected.WithLabelValues("already_voted").Inc()
		return nil, alreadyVoted(req.VoterID)
	}

	if t.SignedInAt == nil {
		at := s.now()
		if err := s.store.MarkSignedIn(ctx, req.SessionID, req.VoterID, at); err != nil {
			slog.WarnContext(ctx, "vote: record sign-in failed",
				"session", req.SessionID, "voter", req.VoterID, "error", err)
		} else {
			t.SignedInAt = &at
		}
	}

	return &BeginVoteResponse{Session: ss, Ticket: t}, nil
}

type SubmitVoteRequest struct {
	SessionID string
	VoterID   string
	Token     string
	// Submission holds one choice index per ballot; an index equal to
	// the ballot's option count denotes Abstain.
	Submission []int
	UserAgent  string
	IPAddress  string
}

type SubmitVoteResponse struct {
	VotedAt time.Time
}

// SubmitVote validates and records one vote. The write is a single
// all-or-nothing transaction; any precondition failure inside it means
// a concurrent request won the ticket and surfaces as AlreadyVoted.
// Retrying a committed submission deterministically returns
// AlreadyVoted, so retries are safe.
func (s *Service) SubmitVote(ctx context.Context, req SubmitVoteRequest) (*SubmitVoteResponse, error) {
	ss, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !ss.InProgress(s.now()) {
		votesRejected.WithLabelValues("not_in_progress").Inc()
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s is not open for voting", req.SessionID))
	}

	// Re-resolve by token: guards against races between begin-vote and
	// submit.
	t, err := s.resolveTicket(ctx, req.SessionID, req.VoterID, req.Token)
	if err != nil {
		return nil, err
	}
	if t.Voted() {
		votesRejected.WithLabelValues("already_voted").Inc()
		return nil, alreadyVoted(req.VoterID)
	}

	choices, err := validateSubmission(ss, req.Submission)
	if err != nil {
		votesRejected.WithLabelValues("invalid_submission").Inc()
		return nil, err
	}

	votedAt := s.now()
	err = s.store.SubmitVote(ctx, store.SubmitVote{
		SessionID:   req.SessionID,
		VoterID:     req.VoterID,
		VoterName:   t.VoterName,
		Weight:      t.Weight,
		Choices:     choices,
		RecordVoter: !ss.Type.IsSecret(),
		VotedAt:     votedAt,
		UserAgent:   req.UserAgent,
		IPAddress:   req.IPAddress,
	})
	if stderrors.Is(err, store.ErrAlreadyVoted) {
		votesRejected.WithLabelValues("already_voted").Inc()
		return nil, alreadyVoted(req.VoterID)
	}
	if err != nil {
		votesRejected.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("submit vote: %w", err)
	}

	votesAccepted.Inc()
	s.eb.Publish(ctx, domain.EventVoteRecorded{
		SessionID: req.SessionID,
		VoterName: t.VoterName,
		VotedAt:   votedAt,
	})

	return &SubmitVoteResponse{VotedAt: votedAt}, nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ss, err := s.store.GetSession(ctx, sessionID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

// resolveTicket loads the voter's ticket and compares the presented
// token in constant time. A missing ticket and a wrong token are
// indistinguishable to the caller.
func (s *Service) resolveTicket(ctx context.Context, sessionID, voterID, token string) (*domain.Ticket, error) {
	t, err := s.store.GetTicket(ctx, sessionID, voterID)
	if stderrors.Is(err, store.ErrNotFound) {
		votesRejected.WithLabelValues("voter_not_found").Inc()
		return nil, voterNotFound(voterID)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) != 1 {
		votesRejected.WithLabelValues("voter_not_found").Inc()
		return nil, voterNotFound(voterID)
	}
	return t, nil
}

func validateSubmission(ss *domain.Session, submission []int) ([]store.Choice, error) {
	if len(submission) != len(ss.Ballots) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("submission must hold exactly one choice per ballot"),
			errors.WithFields("submission"))
	}

	choices := make([]store.Choice, len(submission))
	for i, choice := range submission {
		if choice < 0 || choice > ss.Ballots[i].AbstainIndex() {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("ballot %d: choice %d out of range", i, choice),
				errors.WithFields("submission"))
		}
		choices[i] = store.Choice{BallotIndex: i, OptionIndex: choice}
	}
	return choices, nil
}

func voterNotFound(voterID string) error {
	return errors.New(errors.CodeNotFound,
		errors.WithMessagef("voter not found: %s", voterID))
}

func alreadyVoted(voterID string) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef("voter %s has already voted", voterID))
}
