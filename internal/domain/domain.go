package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Limits on the size of a single voting session.
const (
	MaxBallots = 50
	MaxVoters  = 1000

	MinRawWeight = 1
	MaxRawWeight = 999_999

	// MinDuration is the minimum gap between a session's start and its
	// scheduled end.
	MinDuration = 10 * time.Minute
)

// SessionType classifies how a session is conducted.
type SessionType string

const (
	// TypeFormPublic is a remote form vote whose tallies keep voter names.
	TypeFormPublic SessionType = "FORM_PUBLIC"
	// TypeFormSecret is a remote form vote with no voter-to-choice link.
	TypeFormSecret SessionType = "FORM_SECRET"
	// TypeImmediate is an in-room vote conducted live.
	TypeImmediate SessionType = "IMMEDIATE"
	// TypeRollCall records attendance only and needs no ballots.
	TypeRollCall SessionType = "ROLL_CALL"
)

// IsForm reports whether voters participate remotely through emailed
// ticket links. Form sessions require a voter email and a schedule.
func (t SessionType) IsForm() bool {
	return t == TypeFormPublic || t == TypeFormSecret
}

// IsSecret reports whether tallies must not record voter names.
func (t SessionType) IsSecret() bool {
	return t == TypeFormSecret
}

func (t SessionType) valid() bool {
	switch t {
	case TypeFormPublic, TypeFormSecret, TypeImmediate, TypeRollCall:
		return true
	}
	return false
}

// MajorityType is a display label attached to a ballot. The engine never
// computes winners from it.
type MajorityType string

const (
	MajorityRelative  MajorityType = "RELATIVE"
	MajoritySimple    MajorityType = "SIMPLE"
	MajorityTwoThirds MajorityType = "TWO_THIRDS"
)

func (m MajorityType) valid() bool {
	switch m {
	case MajorityRelative, MajoritySimple, MajorityTwoThirds:
		return true
	}
	return false
}

// Ballot is one question on a session. Options hold the authored choices
// only; the trailing Abstain choice is implicit and addressed by the
// index len(Options).
type Ballot struct {
	Text         string       `json:"text"`
	MajorityType MajorityType `json:"majorityType"`
	Options      []string     `json:"options"`
}

// AbstainIndex is the submission index denoting the implicit Abstain
// choice for this ballot.
func (b Ballot) AbstainIndex() int { return len(b.Options) }

// Voter is a roster entry. Voters are values owned by their session, not
// independent entities.
type Voter struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	VoteWeight int64  `json:"voteWeight,omitempty"`
}

// Session is the aggregate root of one vote.
type Session struct {
	SessionID     string
	OwnerID       string
	Name          string
	Description   string
	Type          SessionType
	Weighted      bool
	Ballots       []Ballot
	Voters        []Voter
	ScrutineerIDs []string

	PublishedSince *time.Time
	StartsAt       *time.Time
	EndsAt         *time.Time
	Timezone       string

	ResultsPublished  bool
	Results           *Results
	ParticipantVoters []string
	ArchivedAt        *time.Time
}

// Started reports whether the session has been started. Ballots and the
// roster are frozen from that point on.
func (s *Session) Started() bool { return s.StartsAt != nil }

// InProgress reports whether votes are currently accepted.
func (s *Session) InProgress(now time.Time) bool {
	if s.StartsAt == nil || now.Before(*s.StartsAt) {
		return false
	}
	return s.EndsAt == nil || now.Before(*s.EndsAt)
}

// Ended reports whether the voting window is over.
func (s *Session) Ended(now time.Time) bool {
	return s.EndsAt != nil && !now.Before(*s.EndsAt)
}

// Archived is orthogonal to the lifecycle state.
func (s *Session) Archived() bool { return s.ArchivedAt != nil }

// IsManager reports whether userID may administer this session.
func (s *Session) IsManager(userID string) bool {
	if userID == "" {
		return false
	}
	if s.OwnerID == userID {
		return true
	}
	for _, id := range s.ScrutineerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// VoterByID returns the roster entry with the given id.
func (s *Session) VoterByID(id string) (Voter, bool) {
	for _, v := range s.Voters {
		if v.ID == id {
			return v, true
		}
	}
	return Voter{}, false
}

// Ticket is the single-use credential authorizing one voter to vote
// once. Created at session start, never recreated.
type Ticket struct {
	SessionID  string
	VoterID    string
	VoterName  string
	VoterEmail string
	// Weight is the voter's balanced share of the total vote weight,
	// in [0, 1]. All weights of a session sum to exactly 1.
	Weight decimal.Decimal
	// Token is the secret half of the credential. Stripped from every
	// manager-facing view.
	Token      string
	SignedInAt *time.Time
	VotedAt    *time.Time
	UserAgent  string
	IPAddress  string
}

// Voted reports whether the ticket has been spent.
func (t *Ticket) Voted() bool { return t.VotedAt != nil }

// TallyRow is the accumulated weighted total for one ballot option.
// OptionIndex may equal the ballot's AbstainIndex. Voters is populated
// only for non-secret sessions.
type TallyRow struct {
	BallotIndex int
	OptionIndex int
	Value       decimal.Decimal
	Voters      []string
}

// Validate checks the session's fields and returns the names of the
// offending ones. With checkIfReady it additionally enforces everything
// Start requires: a non-empty roster, unique voter ids and (lower-cased)
// names, and ballots for every type but roll call.
func (s *Session) Validate(checkIfReady bool) []string {
	var fields []string
	add := func(f string) { fields = append(fields, f) }

	if strings.TrimSpace(s.Name) == "" {
		add("name")
	}
	if !s.Type.valid() {
		add("type")
	}

	if len(s.Ballots) > MaxBallots {
		add("ballots")
	}
	for _, b := range s.Ballots {
		if strings.TrimSpace(b.Text) == "" {
			add("ballots.text")
			break
		}
	}
	for _, b := range s.Ballots {
		if len(b.Options) < 2 {
			add("ballots.options")
			break
		}
	}
	for _, b := range s.Ballots {
		if !b.MajorityType.valid() {
			add("ballots.majorityType")
			break
		}
	}

	if len(s.Voters) > MaxVoters {
		add("voters")
	}
	for _, v := range s.Voters {
		if strings.TrimSpace(v.Name) == "" {
			add("voters.name")
			break
		}
	}
	if s.Type.IsForm() {
		for _, v := range s.Voters {
			if strings.TrimSpace(v.Email) == "" {
				add("voters.email")
				break
			}
		}
	}
	if s.Weighted {
		for _, v := range s.Voters {
			if v.VoteWeight < MinRawWeight || v.VoteWeight > MaxRawWeight {
				add("voters.voteWeight")
				break
			}
		}
	}

	if !checkIfReady {
		return fields
	}

	if len(s.Voters) == 0 {
		add("voters")
	}
	if len(s.Ballots) == 0 && s.Type != TypeRollCall {
		add("ballots")
	}

	ids := make(map[string]bool, len(s.Voters))
	names := make(map[string]bool, len(s.Voters))
	for _, v := range s.Voters {
		if ids[v.ID] {
			add("voters.id")
			break
		}
		ids[v.ID] = true
	}
	for _, v := range s.Voters {
		n := strings.ToLower(strings.TrimSpace(v.Name))
		if names[n] {
			add("voters.name")
			break
		}
		names[n] = true
	}

	return fields
}
