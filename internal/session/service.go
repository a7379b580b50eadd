// Package session implements the voting session lifecycle: authoring,
// start (ticket issuance with balanced weights), early end, archiving
// and deletion.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/google/uuid"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/store"
)

const startLockExpiry = 30 * time.Second

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	// Locker guards Start against concurrent invocations across
	// instances. Optional: the store's started precondition is the
	// correctness guarantee, the lock only avoids duplicate work.
	Locker *redsync.Redsync
	// Now is replaceable in tests.
	Now func() time.Time
}

type Service struct {
	store  store.Store
	eb     *event.Bus
	locker *redsync.Redsync
	now    func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  c.Store,
		eb:     c.EventBus,
		locker: c.Locker,
		now:    now,
	}
}

type CreateSessionRequest struct {
	OwnerID        string
	Name           string
	Description    string
	Type           domain.SessionType
	Weighted       bool
	Ballots        []domain.Ballot
	Voters         []domain.Voter
	ScrutineerIDs  []string
	PublishedSince *time.Time
}

// CreateSession stores a new draft session owned by the caller.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ss := &domain.Session{
		SessionID:      id.String(),
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Description:    req.Description,
		Type:           req.Type,
		Weighted:       req.Weighted,
		Ballots:        req.Ballots,
		Voters:         assignVoterIDs(req.Voters),
		ScrutineerIDs:  req.ScrutineerIDs,
		PublishedSince: req.PublishedSince,
	}

	if fields := ss.Validate(false); len(fields) > 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("session validation failed"),
			errors.WithFields(fields...))
	}

	if err := s.store.CreateSession(ctx, ss); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return ss, nil
}

type GetSessionRequest struct {
	SessionID string
	UserID    string
}

// GetSession returns the session to one of its managers.
func (s *Service) GetSession(ctx context.Context, req GetSessionRequest) (*domain.Session, error) {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ss, req.UserID); err != nil {
		return nil, err
	}
	return ss, nil
}

type UpdateSessionRequest struct {
	SessionID string
	UserID    string

	Name           string
	Description    string
	Type           domain.SessionType
	Weighted       bool
	Ballots        []domain.Ballot
	Voters         []domain.Voter
	ScrutineerIDs  []string
	PublishedSince *time.Time
}

// UpdateSession replaces the session's editable fields. Rejected once
// the session has started: tickets and weights must stay consistent
// with the ballots voters were told about.
func (s *Service) UpdateSession(ctx context.Context, req UpdateSessionRequest) (*domain.Session, error) {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ss, req.UserID); err != nil {
		return nil, err
	}
	if ss.Started() {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has started and can no longer be edited", ss.SessionID))
	}

	ss.Name = req.Name
	ss.Description = req.Description
	ss.Type = req.Type
	ss.Weighted = req.Weighted
	ss.Ballots = req.Ballots
	ss.Voters = assignVoterIDs(req.Voters)
	ss.ScrutineerIDs = req.ScrutineerIDs
	ss.PublishedSince = req.PublishedSince

	if fields := ss.Validate(false); len(fields) > 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("session validation failed"),
			errors.WithFields(fields...))
	}

	if err := s.store.UpdateSession(ctx, ss); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return ss, nil
}

type DeleteSessionRequest struct {
	SessionID string
	UserID    string
}

// DeleteSession removes the session and cascades to its tickets and
// tallies. Owner only.
func (s *Service) DeleteSession(ctx context.Context, req DeleteSessionRequest) error {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if ss.OwnerID != req.UserID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the owner may delete a session"))
	}
	if err := s.store.DeleteSession(ctx, req.SessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type StartSessionRequest struct {
	SessionID string
	UserID    string
	EndsAt    time.Time
	Timezone  string
}

// StartSession opens the voting window: it balances the roster's
// weights, mints one ticket per voter and persists tickets plus
// schedule in a single atomic write. Ticket delivery happens after
// persistence, through the session-started event, and its failures
// never roll the start back.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*domain.Session, error) {
	if s.locker != nil {
		mu := s.locker.NewMutex("evote:start:"+req.SessionID,
			redsync.WithExpiry(startLockExpiry), redsync.WithTries(1))
		if err := mu.LockContext(ctx); err != nil {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("session start already in progress"),
				errors.WithCause(err))
		}
		defer func() {
			if _, err := mu.UnlockContext(ctx); err != nil {
				slog.WarnContext(ctx, "session: release start lock failed", "session", req.SessionID, "error", err)
			}
		}()
	}

	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ss, req.UserID); err != nil {
		return nil, err
	}
	if ss.Started() {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has already started", ss.SessionID))
	}

	fields := ss.Validate(true)
	startsAt := s.now()
	if req.EndsAt.Before(startsAt.Add(domain.MinDuration)) {
		fields = append(fields, "endsAt")
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			fields = append(fields, "timezone")
		}
	} else if ss.Type.IsForm() {
		fields = append(fields, "timezone")
	}
	if len(fields) > 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("session is not ready to start"),
			errors.WithFields(fields...))
	}

	shares, err := domain.BalanceWeights(ss.Voters, ss.Weighted)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	tickets := make([]domain.Ticket, 0, len(ss.Voters))
	for _, v := range ss.Voters {
		token, err := NewToken()
		if err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
		tickets = append(tickets, domain.Ticket{
			SessionID:  ss.SessionID,
			VoterID:    v.ID,
			VoterName:  v.Name,
			VoterEmail: v.Email,
			Weight:     shares[v.ID],
			Token:      token,
		})
	}

	err = s.store.StartSession(ctx, ss.SessionID, startsAt, req.EndsAt, req.Timezone, tickets)
	if stderrors.Is(err, store.ErrAlreadyStarted) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has already started", ss.SessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	ss.StartsAt = &startsAt
	endsAt := req.EndsAt
	ss.EndsAt = &endsAt
	ss.Timezone = req.Timezone

	s.eb.Publish(ctx, domain.EventSessionStarted{
		Session: *ss,
		Tickets: tickets,
	})

	return ss, nil
}

type TicketsStatusRequest struct {
	SessionID string
	UserID    string
}

// TicketsStatus returns the session's tickets with their secret tokens
// stripped. This is the only ticket listing managers ever see.
func (s *Service) TicketsStatus(ctx context.Context, req TicketsStatusRequest) ([]domain.Ticket, error) {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ss, req.UserID); err != nil {
		return nil, err
	}

	tickets, err := s.store.ListTickets(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	for i := range tickets {
		tickets[i].Token = ""
	}
	return tickets, nil
}

type CheckEarlyEndRequest struct {
	SessionID string
	// UserID is empty for trusted internal callers (the periodic
	// sweep); managers are checked.
	UserID string
}

// CheckEarlyEnd force-ends an in-progress session once every voter has
// a recorded vote. Calling it on an already-ended session is a no-op
// returning the unchanged session.
func (s *Service) CheckEarlyEnd(ctx context.Context, req CheckEarlyEndRequest) (*domain.Session, error) {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" {
		if err := authorize(ss, req.UserID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	if !ss.InProgress(now) {
		return ss, nil
	}

	tickets, err := s.store.ListTickets(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	voted := 0
	for i := range tickets {
		if tickets[i].Voted() {
			voted++
		}
	}
	if voted < len(ss.Voters) {
		return ss, nil
	}

	if err := s.store.SetSessionEnd(ctx, req.SessionID, now); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	ss.EndsAt = &now

	s.eb.Publish(ctx, domain.EventSessionEnded{Session: *ss})

	slog.InfoContext(ctx, "session: ended early, all voters have voted",
		"session", ss.SessionID, "voters", len(ss.Voters))
	return ss, nil
}

type ArchiveSessionRequest struct {
	SessionID string
	UserID    string
	// Archived false reverses a previous archive.
	Archived bool
}

// ArchiveSession sets or clears the archived flag. Orthogonal to the
// lifecycle: allowed in any state, though normally used after the
// session has ended.
func (s *Service) ArchiveSession(ctx context.Context, req ArchiveSessionRequest) (*domain.Session, error) {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ss, req.UserID); err != nil {
		return nil, err
	}

	var at *time.Time
	if req.Archived {
		now := s.now()
		at = &now
	}
	if err := s.store.SetArchived(ctx, req.SessionID, at); err != nil {
		return nil, fmt.Errorf("archive session: %w", err)
	}
	ss.ArchivedAt = at
	return ss, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*domain.Session, error) {
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

func authorize(ss *domain.Session, userID string) error {
	if !ss.IsManager(userID) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user is not a manager of session %s", ss.SessionID))
	}
	return nil
}

func assignVoterIDs(voters []domain.Voter) []domain.Voter {
	out := make([]domain.Voter, len(voters))
	for i, v := range voters {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		out[i] = v
	}
	return out
}
