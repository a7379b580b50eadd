package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openassembly/evote/internal/domain"
)

type tallyKey struct {
	ballot int
	option int
}

// Memory is an in-process Store used by tests and local development.
// One mutex covers all records, so every operation — in particular the
// submit-vote transaction — is trivially atomic.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	tickets  map[string]map[string]*domain.Ticket
	tallies  map[string]map[tallyKey]*domain.TallyRow
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*domain.Session),
		tickets:  make(map[string]map[string]*domain.Ticket),
		tallies:  make(map[string]map[tallyKey]*domain.TallyRow),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; ok {
		return fmt.Errorf("memory: session %s already exists", s.SessionID)
	}
	m.sessions[s.SessionID] = copySession(s)
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *Memory) UpdateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.SessionID] = copySession(s)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.tickets, sessionID)
	delete(m.tallies, sessionID)
	return nil
}

func (m *Memory) ListInProgressIDs(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.sessions {
		if s.InProgress(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) StartSession(_ context.Context, sessionID string, startsAt, endsAt time.Time, timezone string, tickets []domain.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.StartsAt != nil {
		return ErrAlreadyStarted
	}

	byVoter := make(map[string]*domain.Ticket, len(tickets))
	for i := range tickets {
		t := tickets[i]
		if _, dup := byVoter[t.VoterID]; dup {
			return fmt.Errorf("memory: duplicate ticket for voter %s", t.VoterID)
		}
		byVoter[t.VoterID] = &t
	}

	s.StartsAt = &startsAt
	s.EndsAt = &endsAt
	s.Timezone = timezone
	m.tickets[sessionID] = byVoter
	return nil
}

func (m *Memory) SetSessionEnd(_ context.Context, sessionID string, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.EndsAt = &endsAt
	return nil
}

func (m *Memory) SetArchived(_ context.Context, sessionID string, archivedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ArchivedAt = archivedAt
	return nil
}

func (m *Memory) SaveResults(_ context.Context, sessionID string, r domain.Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Results != nil {
		return ErrResultsPublished
	}
	s.Results = &r
	s.ResultsPublished = true
	return nil
}

func (m *Memory) GetTicket(_ context.Context, sessionID, voterID string) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[sessionID][voterID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTickets(_ context.Context, sessionID string) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVoter := m.tickets[sessionID]
	out := make([]domain.Ticket, 0, len(byVoter))
	for _, t := range byVoter {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterName < out[j].VoterName })
	return out, nil
}

func (m *Memory) MarkSignedIn(_ context.Context, sessionID, voterID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[sessionID][voterID]
	if !ok {
		return ErrNotFound
	}
	if t.SignedInAt == nil {
		t.SignedInAt = &at
	}
	return nil
}

func (m *Memory) SubmitVote(_ context.Context, v SubmitVote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[v.SessionID]
	if !ok {
		return ErrNotFound
	}
	t, ok := m.tickets[v.SessionID][v.VoterID]
	if !ok {
		return ErrNotFound
	}
	if t.VotedAt != nil {
		return ErrAlreadyVoted
	}

	votedAt := v.VotedAt
	t.VotedAt = &votedAt
	t.UserAgent = v.UserAgent
	t.IPAddress = v.IPAddress

	s.ParticipantVoters = append(s.ParticipantVoters, v.VoterName)

	rows := m.tallies[v.SessionID]
	if rows == nil {
		rows = make(map[tallyKey]*domain.TallyRow)
		m.tallies[v.SessionID] = rows
	}
	for _, c := range v.Choices {
		k := tallyKey{ballot: c.BallotIndex, option: c.OptionIndex}
		row, ok := rows[k]
		if !ok {
			row = &domain.TallyRow{BallotIndex: c.BallotIndex, OptionIndex: c.OptionIndex}
			rows[k] = row
		}
		row.Value = row.Value.Add(v.Weight)
		if v.RecordVoter {
			row.Voters = append(row.Voters, v.VoterName)
		}
	}

	return nil
}

func (m *Memory) ListTallies(_ context.Context, sessionID string) ([]domain.TallyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tallies[sessionID]
	out := make([]domain.TallyRow, 0, len(rows))
	for _, r := range rows {
		cp := *r
		cp.Voters = append([]string(nil), r.Voters...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BallotIndex != out[j].BallotIndex {
			return out[i].BallotIndex < out[j].BallotIndex
		}
		return out[i].OptionIndex < out[j].OptionIndex
	})
	return out, nil
}

// copySession deep-copies through JSON so callers can never alias the
// stored record. Sessions are small (≤50 ballots, ≤1000 voters).
func copySession(s *domain.Session) *domain.Session {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var cp domain.Session
	if err := json.Unmarshal(b, &cp); err != nil {
		panic(err)
	}
	return &cp
}
