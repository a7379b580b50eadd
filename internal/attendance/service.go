// Package attendance maintains the live who-has-voted view managers
// watch while a session runs. It sees voter names only, never choices,
// so it is safe for secret sessions.
package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/store"
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Store    store.Store
	Prefix   string
}

type Service struct {
	redis  redis.UniversalClient
	store  store.Store
	prefix string
}

// Notification is the payload pushed to subscribed manager dashboards.
type Notification struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
	VoterName string `json:"voterName,omitempty"`
}

func NewService(c Config) *Service {
	s := &Service{
		redis:  c.Redis,
		store:  c.Store,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameVoteRecorded, func(ctx context.Context, e event.Event) error {
		return s.RecordVote(ctx, e.(domain.EventVoteRecorded))
	})
	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		ended := e.(domain.EventSessionEnded)
		return s.publish(ctx, Notification{
			Event:     domain.EventNameSessionEnded,
			SessionID: ended.Session.SessionID,
		})
	})

	return s
}

// RecordVote adds the voter to the session's live participant set and
// notifies subscribers. Redis here is a cache of derived state; the
// tickets remain the source of truth, so failures are recoverable by
// falling back to the store.
func (s *Service) RecordVote(ctx context.Context, e domain.EventVoteRecorded) error {
	if err := s.redis.SAdd(ctx, s.participantsKey(e.SessionID), e.VoterName).Err(); err != nil {
		return fmt.Errorf("record attendance: %w", err)
	}

	return s.publish(ctx, Notification{
		Event:     domain.EventNameVoteRecorded,
		SessionID: e.SessionID,
		VoterName: e.VoterName,
	})
}

type AttendanceRequest struct {
	SessionID string
}

// Attendance lists the names of voters with a recorded vote, sorted.
// A cold cache falls back to the session's persisted participant list.
func (s *Service) Attendance(ctx context.Context, req AttendanceRequest) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.participantsKey(req.SessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read attendance: %w", err)
	}

	if len(names) == 0 {
		ss, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("attendance fallback: %w", err)
		}
		names = append(names, ss.ParticipantVoters...)
	}

	sort.Strings(names)
	return names, nil
}

func (s *Service) publish(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.redis.Publish(ctx, s.channel(n.SessionID), b).Err()
}

func (s *Service) participantsKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:participants", s.prefix, sessionID)
}

func (s *Service) channel(sessionID string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, sessionID)
}
