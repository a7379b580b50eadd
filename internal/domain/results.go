package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OptionResult is the tallied outcome of one option on one ballot.
// Voters is omitted entirely for secret sessions.
type OptionResult struct {
	Value  decimal.Decimal `json:"value"`
	Voters []string        `json:"voters,omitempty"`
}

// Results is the session-scoped read view of all tallies. For each
// ballot the slice holds one entry per authored option, followed by the
// implicit Abstain bucket and the derived Absent bucket:
//
//	index 0 .. len(options)-1  authored options
//	index len(options)         Abstain
//	index len(options)+1       Absent (non-participation)
type Results struct {
	Ballots [][]OptionResult `json:"ballots"`
}

// BuildResults reshapes raw tally rows into the full per-ballot grid,
// filling every slot nobody chose with a zero value. The Absent bucket
// is 1 minus the ballot's participating weight; for non-secret sessions
// it names the roster entries missing from ParticipantVoters.
func BuildResults(s *Session, rows []TallyRow) Results {
	secret := s.Type.IsSecret()

	byBallot := make(map[int][]TallyRow)
	for _, r := range rows {
		byBallot[r.BallotIndex] = append(byBallot[r.BallotIndex], r)
	}

	var absentVoters []string
	if !secret {
		absentVoters = absentees(s)
	}

	res := Results{Ballots: make([][]OptionResult, len(s.Ballots))}
	for i, b := range s.Ballots {
		slots := make([]OptionResult, len(b.Options)+2)
		for j := range slots {
			slots[j].Value = decimal.Zero
		}

		participating := decimal.Zero
		for _, r := range byBallot[i] {
			if r.OptionIndex < 0 || r.OptionIndex > b.AbstainIndex() {
				continue
			}
			slots[r.OptionIndex].Value = r.Value
			participating = participating.Add(r.Value)
			if !secret {
				slots[r.OptionIndex].Voters = append([]string(nil), r.Voters...)
			}
		}

		absent := decimal.NewFromInt(1).Sub(participating)
		if absent.IsNegative() {
			absent = decimal.Zero
		}
		slots[len(slots)-1].Value = absent
		if !secret {
			slots[len(slots)-1].Voters = append([]string(nil), absentVoters...)
		}

		res.Ballots[i] = slots
	}

	return res
}

func absentees(s *Session) []string {
	voted := make(map[string]bool, len(s.ParticipantVoters))
	for _, n := range s.ParticipantVoters {
		voted[strings.ToLower(n)] = true
	}

	var absent []string
	for _, v := range s.Voters {
		if !voted[strings.ToLower(v.Name)] {
			absent = append(absent, v.Name)
		}
	}
	return absent
}
