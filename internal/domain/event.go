package domain

import "time"

const (
	EventNameSessionStarted   = "session.started"
	EventNameVoteRecorded     = "vote.recorded"
	EventNameSessionEnded     = "session.ended"
	EventNameResultsPublished = "results.published"
)

// EventSessionStarted is published after tickets are durably issued.
// Tickets carry their tokens so delivery can embed voting links.
type EventSessionStarted struct {
	Session Session
	Tickets []Ticket
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

// EventVoteRecorded is published after a submit-vote transaction
// commits. It carries the voter's name, never their choices.
type EventVoteRecorded struct {
	SessionID string
	VoterName string
	VotedAt   time.Time
}

func (EventVoteRecorded) Name() string { return EventNameVoteRecorded }

type EventSessionEnded struct {
	Session Session
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventResultsPublished struct {
	SessionID string
}

func (EventResultsPublished) Name() string { return EventNameResultsPublished }
