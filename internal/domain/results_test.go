package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/evote/internal/domain"
)

func TestBuildResults(t *testing.T) {
	session := func(typ domain.SessionType) *domain.Session {
		return &domain.Session{
			Type: typ,
			Ballots: []domain.Ballot{
				{Text: "Approve the budget?", MajorityType: domain.MajoritySimple, Options: []string{"Yes", "No"}},
			},
			Voters: []domain.Voter{
				{ID: "v1", Name: "Alice"},
				{ID: "v2", Name: "Bob"},
				{ID: "v3", Name: "Carol"},
			},
			ParticipantVoters: []string{"Alice", "Bob"},
		}
	}

	// Alice (0.25) voted Yes, Bob (0.25) abstained, Carol (0.5) never
	// showed up.
	rows := []domain.TallyRow{
		{BallotIndex: 0, OptionIndex: 0, Value: decimal.RequireFromString("0.25"), Voters: []string{"Alice"}},
		{BallotIndex: 0, OptionIndex: 2, Value: decimal.RequireFromString("0.25"), Voters: []string{"Bob"}},
	}

	t.Run("public session names voters in every bucket", func(t *testing.T) {
		res := domain.BuildResults(session(domain.TypeFormPublic), rows)

		require.Len(t, res.Ballots, 1)
		grid := res.Ballots[0]
		require.Len(t, grid, 4, "2 options plus abstain plus absent")

		assert.True(t, grid[0].Value.Equal(decimal.RequireFromString("0.25")))
		assert.Equal(t, []string{"Alice"}, grid[0].Voters)

		assert.True(t, grid[1].Value.IsZero(), "nobody picked No")
		assert.Empty(t, grid[1].Voters)

		assert.True(t, grid[2].Value.Equal(decimal.RequireFromString("0.25")))
		assert.Equal(t, []string{"Bob"}, grid[2].Voters)

		assert.True(t, grid[3].Value.Equal(decimal.RequireFromString("0.5")), "absent weight is the remainder")
		assert.Equal(t, []string{"Carol"}, grid[3].Voters)
	})

	t.Run("secret session carries values only", func(t *testing.T) {
		secretRows := []domain.TallyRow{
			{BallotIndex: 0, OptionIndex: 0, Value: decimal.RequireFromString("0.25")},
			{BallotIndex: 0, OptionIndex: 2, Value: decimal.RequireFromString("0.25")},
		}
		res := domain.BuildResults(session(domain.TypeFormSecret), secretRows)

		require.Len(t, res.Ballots, 1)
		for i, slot := range res.Ballots[0] {
			assert.Empty(t, slot.Voters, "slot %d must not name voters", i)
		}
		assert.True(t, res.Ballots[0][3].Value.Equal(decimal.RequireFromString("0.5")))
	})

	t.Run("no votes at all leaves everything absent", func(t *testing.T) {
		s := session(domain.TypeFormPublic)
		s.ParticipantVoters = nil

		res := domain.BuildResults(s, nil)

		grid := res.Ballots[0]
		for i := 0; i < 3; i++ {
			assert.True(t, grid[i].Value.IsZero())
		}
		assert.True(t, grid[3].Value.Equal(decimal.NewFromInt(1)))
		assert.Equal(t, []string{"Alice", "Bob", "Carol"}, grid[3].Voters)
	})

	t.Run("absentee matching ignores name casing", func(t *testing.T) {
		s := session(domain.TypeFormPublic)
		s.ParticipantVoters = []string{"ALICE", "bob", "carol"}

		res := domain.BuildResults(s, rows)
		assert.Empty(t, res.Ballots[0][3].Voters)
	})
}
