// Package results computes the manager-facing tally view of an ended
// session and handles its one-way publication.
package results

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/store"
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

type GetResultsRequest struct {
	SessionID string
	UserID    string
}

// GetResults returns the full per-ballot grid for an ended session.
// Once results are published the frozen snapshot is returned; before
// that the grid is computed from the tally rows on every call. Secret
// sessions never carry voter names.
func (s *Service) GetResults(ctx context.Context, req GetResultsRequest) (*domain.Results, error) {
	ss, err := s.load(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ss.Ended(s.now()) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has not ended", req.SessionID))
	}

	if ss.Results != nil {
		return ss.Results, nil
	}

	rows, err := s.store.ListTallies(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}
	r := domain.BuildResults(ss, rows)
	return &r, nil
}

type PublishResultsRequest struct {
	SessionID string
	UserID    string
}

// PublishResults freezes the current results onto the session, making
// them immutable and visible beyond the managers. One-way: a second
// call fails because the results are already public.
func (s *Service) PublishResults(ctx context.Context, req PublishResultsRequest) (*domain.Results, error) {
	ss, err := s.load(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ss.Ended(s.now()) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has not ended", req.SessionID))
	}
	if ss.Results != nil {
		return nil, alreadyPublic(req.SessionID)
	}

	rows, err := s.store.ListTallies(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}
	r := domain.BuildResults(ss, rows)

	err = s.store.SaveResults(ctx, req.SessionID, r)
	if stderrors.Is(err, store.ErrResultsPublished) {
		return nil, alreadyPublic(req.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("save results: %w", err)
	}

	s.eb.Publish(ctx, domain.EventResultsPublished{SessionID: req.SessionID})
	return &r, nil
}

func (s *Service) load(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	ss, err := s.store.GetSession(ctx, sessionID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !ss.IsManager(userID) {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user is not a manager of session %s", sessionID))
	}
	return ss, nil
}

func alreadyPublic(sessionID string) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef("results of session %s are already public", sessionID))
}
