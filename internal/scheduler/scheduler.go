// Package scheduler runs the periodic early-end sweep: the same check a
// manager can trigger on demand, applied to every in-progress session.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openassembly/evote/internal/session"
	"github.com/openassembly/evote/internal/store"
)

const defaultSpec = "@every 1m"

type Config struct {
	Sessions *session.Service
	Store    store.Store
	// Spec is a cron expression; defaults to a one-minute interval.
	Spec string
	// Timeout bounds one full sweep.
	Timeout time.Duration
}

type Sweeper struct {
	cron     *cron.Cron
	sessions *session.Service
	store    store.Store
	timeout  time.Duration
}

func New(c Config) (*Sweeper, error) {
	s := &Sweeper{
		cron:     cron.New(),
		sessions: c.Sessions,
		store:    c.Store,
		timeout:  c.Timeout,
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}

	spec := c.Spec
	if spec == "" {
		spec = defaultSpec
	}
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return nil, fmt.Errorf("scheduler: add sweep: %w", err)
	}

	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep checks every in-progress session for an early end. Failures are
// logged and skipped: the ticket records stay the source of truth and
// the next sweep retries.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ids, err := s.store.ListInProgressIDs(ctx, time.Now())
	if err != nil {
		slog.ErrorContext(ctx, "scheduler: list in-progress sessions failed", "error", err)
		return
	}

	for _, id := range ids {
		if _, err := s.sessions.CheckEarlyEnd(ctx, session.CheckEarlyEndRequest{SessionID: id}); err != nil {
			slog.ErrorContext(ctx, "scheduler: early-end check failed", "session", id, "error", err)
		}
	}
}
