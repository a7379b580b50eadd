package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openassembly/evote/internal/domain"
)

type sessionJSON struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Type              string          `json:"type"`
	IsWeighted        bool            `json:"isWeighted"`
	Ballots           []domain.Ballot `json:"ballots"`
	Voters            []domain.Voter  `json:"voters,omitempty"`
	ScrutineersIDs    []string        `json:"scrutineersIds,omitempty"`
	PublishedSince    *time.Time      `json:"publishedSince,omitempty"`
	StartsAt          *time.Time      `json:"startsAt,omitempty"`
	EndsAt            *time.Time      `json:"endsAt,omitempty"`
	Timezone          string          `json:"timezone,omitempty"`
	State             string          `json:"state"`
	ResultsPublished  bool            `json:"resultsPublished"`
	ParticipantVoters []string        `json:"participantVoters,omitempty"`
	ArchivedAt        *time.Time      `json:"archivedAt,omitempty"`
}

func managerSessionJSON(ss *domain.Session) sessionJSON {
	return sessionJSON{
		ID:                ss.SessionID,
		Name:              ss.Name,
		Description:       ss.Description,
		Type:              string(ss.Type),
		IsWeighted:        ss.Weighted,
		Ballots:           ss.Ballots,
		Voters:            ss.Voters,
		ScrutineersIDs:    ss.ScrutineerIDs,
		PublishedSince:    ss.PublishedSince,
		StartsAt:          ss.StartsAt,
		EndsAt:            ss.EndsAt,
		Timezone:          ss.Timezone,
		State:             string(ss.StateOf(time.Now())),
		ResultsPublished:  ss.ResultsPublished,
		ParticipantVoters: ss.ParticipantVoters,
		ArchivedAt:        ss.ArchivedAt,
	}
}

type voterBallotJSON struct {
	Text         string   `json:"text"`
	MajorityType string   `json:"majorityType"`
	// Options includes the trailing Abstain choice voters pick by its
	// index.
	Options []string `json:"options"`
}

type voterSessionView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type"`
	EndsAt      *time.Time        `json:"endsAt,omitempty"`
	Ballots     []voterBallotJSON `json:"ballots"`
}

// voterSessionJSON is the trimmed view a signed-in voter sees: no
// roster, no scrutineers, no results, and the implicit Abstain choice
// materialized on every ballot.
func voterSessionJSON(ss *domain.Session) voterSessionView {
	ballots := make([]voterBallotJSON, len(ss.Ballots))
	for i, b := range ss.Ballots {
		options := make([]string, 0, len(b.Options)+1)
		options = append(options, b.Options...)
		options = append(options, "Abstain")
		ballots[i] = voterBallotJSON{
			Text:         b.Text,
			MajorityType: string(b.MajorityType),
			Options:      options,
		}
	}

	return voterSessionView{
		ID:          ss.SessionID,
		Name:        ss.Name,
		Description: ss.Description,
		Type:        string(ss.Type),
		EndsAt:      ss.EndsAt,
		Ballots:     ballots,
	}
}

type ticketView struct {
	VoterID    string          `json:"voterId"`
	VoterName  string          `json:"voterName"`
	Weight     decimal.Decimal `json:"weight"`
	Token      string          `json:"token,omitempty"`
	SignedInAt *time.Time      `json:"signedInAt,omitempty"`
	VotedAt    *time.Time      `json:"votedAt,omitempty"`
}

func ticketJSON(t domain.Ticket, withToken bool) ticketView {
	v := ticketView{
		VoterID:    t.VoterID,
		VoterName:  t.VoterName,
		Weight:     t.Weight,
		SignedInAt: t.SignedInAt,
		VotedAt:    t.VotedAt,
	}
	if withToken {
		v.Token = t.Token
	}
	return v
}

func ticketsJSON(tickets []domain.Ticket, withToken bool) []ticketView {
	views := make([]ticketView, len(tickets))
	for i, t := range tickets {
		views[i] = ticketJSON(t, withToken)
	}
	return views
}
