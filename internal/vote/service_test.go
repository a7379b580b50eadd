package vote_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/session"
	"github.com/openassembly/evote/internal/store"
	"github.com/openassembly/evote/internal/vote"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Memory
	eb      *event.Bus
	vote    *vote.Service
	session *domain.Session
	tickets []domain.Ticket
}

// makeFixture starts a 3-voter session through the real lifecycle and
// returns a vote service whose clock sits inside the voting window.
func makeFixture(t *testing.T, typ domain.SessionType) *fixture {
	t.Helper()

	st := store.NewMemory()
	eb := event.NewBus()

	sessions := session.NewService(session.Config{
		Store:    st,
		EventBus: eb,
		Now:      func() time.Time { return testNow },
	})

	ss, err := sessions.CreateSession(context.Background(), session.CreateSessionRequest{
		OwnerID: "owner",
		Name:    "AGM 2026",
		Type:    typ,
		Ballots: []domain.Ballot{
			{Text: "Approve the budget?", MajorityType: domain.MajoritySimple, Options: []string{"Yes", "No"}},
			{Text: "Re-elect the board?", MajorityType: domain.MajorityTwoThirds, Options: []string{"Yes", "No", "Postpone"}},
		},
		Voters: []domain.Voter{
			{Name: "Alice", Email: "alice@example.org"},
			{Name: "Bob", Email: "bob@example.org"},
			{Name: "Carol", Email: "carol@example.org"},
		},
	})
	require.NoError(t, err)

	ss, err = sessions.StartSession(context.Background(), session.StartSessionRequest{
		SessionID: ss.SessionID,
		UserID:    "owner",
		EndsAt:    testNow.Add(time.Hour),
		Timezone:  "UTC",
	})
	require.NoError(t, err)

	tickets, err := st.ListTickets(context.Background(), ss.SessionID)
	require.NoError(t, err)
	require.Len(t, tickets, 3)

	return &fixture{
		store: st,
		eb:    eb,
		vote: vote.NewService(vote.Config{
			Store:    st,
			EventBus: eb,
			Now:      func() time.Time { return testNow.Add(time.Minute) },
		}),
		session: ss,
		tickets: tickets,
	}
}

func TestService_BeginVote(t *testing.T) {
	t.Run("a valid link signs the voter in", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		resp, err := f.vote.BeginVote(context.Background(), vote.BeginVoteRequest{
			SessionID: f.session.SessionID,
			VoterID:   tk.VoterID,
			Token:     tk.Token,
		})
		require.NoError(t, err)

		assert.Equal(t, f.session.SessionID, resp.Session.SessionID)
		assert.Equal(t, tk.Token, resp.Ticket.Token)
		require.NotNil(t, resp.Ticket.SignedInAt)

		// The second sign-in keeps the first timestamp.
		again, err := f.vote.BeginVote(context.Background(), vote.BeginVoteRequest{
			SessionID: f.session.SessionID,
			VoterID:   tk.VoterID,
			Token:     tk.Token,
		})
		require.NoError(t, err)
		assert.Equal(t, resp.Ticket.SignedInAt, again.Ticket.SignedInAt)
	})

	t.Run("a wrong token reads as not found, never as already voted", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		submit(t, f, tk, []int{0, 1})

		_, err := f.vote.BeginVote(context.Background(), vote.BeginVoteRequest{
			SessionID: f.session.SessionID,
			VoterID:   tk.VoterID,
			Token:     "forged-token",
		})
		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})

	t.Run("an unknown voter reads as not found", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)

		_, err := f.vote.BeginVote(context.Background(), vote.BeginVoteRequest{
			SessionID: f.session.SessionID,
			VoterID:   "nobody",
			Token:     f.tickets[0].Token,
		})
		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})

	t.Run("a spent ticket reads as already voted", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		submit(t, f, tk, []int{0, 1})

		_, err := f.vote.BeginVote(context.Background(), vote.BeginVoteRequest{
			SessionID: f.session.SessionID,
			VoterID:   tk.VoterID,
			Token:     tk.Token,
		})
		assert.True(t, errors.Is(err, errors.CodeAlreadyExists))
	})
}

func TestService_SubmitVote(t *testing.T) {
	t.Run("records the weighted choices and announces the vote", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)

		var (
			mu       sync.Mutex
			recorded []domain.EventVoteRecorded
		)
		f.eb.Subscribe(domain.EventNameVoteRecorded, func(ctx context.Context, e event.Event) error {
			mu.Lock()
			recorded = append(recorded, e.(domain.EventVoteRecorded))
			mu.Unlock()
			return nil
		})

		tk := f.tickets[0]
		resp, err := f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
			SessionID:  f.session.SessionID,
			VoterID:    tk.VoterID,
			Token:      tk.Token,
			Submission: []int{0, 2},
		})
		require.NoError(t, err)
		assert.False(t, resp.VotedAt.IsZero())

		rows, err := f.store.ListTallies(context.Background(), f.session.SessionID)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		assert.Equal(t, 0, rows[0].BallotIndex)
		assert.Equal(t, 0, rows[0].OptionIndex)
		assert.True(t, rows[0].Value.Equal(tk.Weight))
		assert.Equal(t, []string{tk.VoterName}, rows[0].Voters)

		assert.Equal(t, 1, rows[1].BallotIndex)
		assert.Equal(t, 2, rows[1].OptionIndex)

		f.eb.Stop()
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, recorded, 1)
		assert.Equal(t, tk.VoterName, recorded[0].VoterName)
	})

	t.Run("the trailing index on each ballot is abstain", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		_, err := f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
			SessionID:  f.session.SessionID,
			VoterID:    tk.VoterID,
			Token:      tk.Token,
			Submission: []int{2, 3},
		})
		require.NoError(t, err)

		rows, err := f.store.ListTallies(context.Background(), f.session.SessionID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, 2, rows[0].OptionIndex)
		assert.Equal(t, 3, rows[1].OptionIndex)
	})

	t.Run("rejects a submission with the wrong ballot count", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		_, err := f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
			SessionID:  f.session.SessionID,
			VoterID:    tk.VoterID,
			Token:      tk.Token,
			Submission: []int{0},
		})
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
	})

	t.Run("rejects an out-of-range choice without spending the ticket", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		_, err := f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
			SessionID:  f.session.SessionID,
			VoterID:    tk.VoterID,
			Token:      tk.Token,
			Submission: []int{3, 0},
		})
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument))

		got, err := f.store.GetTicket(context.Background(), f.session.SessionID, tk.VoterID)
		require.NoError(t, err)
		assert.False(t, got.Voted())
	})

	t.Run("a second submission changes nothing", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		submit(t, f, tk, []int{0, 0})

		before, err := f.store.ListTallies(context.Background(), f.session.SessionID)
		require.NoError(t, err)

		_, err = f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
			SessionID:  f.session.SessionID,
			VoterID:    tk.VoterID,
			Token:      tk.Token,
			Submission: []int{1, 1},
		})
		assert.True(t, errors.Is(err, errors.CodeAlreadyExists))

		after, err := f.store.ListTallies(context.Background(), f.session.SessionID)
		require.NoError(t, err)
		assert.Equal(t, before, after, "the rejected retry must not touch the tallies")
	})

	t.Run("concurrent submissions spend the ticket exactly once", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		const attempts = 16

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(choice int) {
				defer wg.Done()
				_, err := f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
					SessionID:  f.session.SessionID,
					VoterID:    tk.VoterID,
					Token:      tk.Token,
					Submission: []int{choice % 2, choice % 3},
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else {
					assert.True(t, errors.Is(err, errors.CodeAlreadyExists), "unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)

		rows, err := f.store.ListTallies(context.Background(), f.session.SessionID)
		require.NoError(t, err)
		total := decimal.Zero
		for _, r := range rows {
			if r.BallotIndex == 0 {
				total = total.Add(r.Value)
			}
		}
		assert.True(t, total.Equal(tk.Weight), "exactly one submission reached the tallies, got %s", total)
	})

	t.Run("rejected after the window closed", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormPublic)
		tk := f.tickets[0]

		late := vote.NewService(vote.Config{
			Store:    f.store,
			EventBus: f.eb,
			Now:      func() time.Time { return testNow.Add(2 * time.Hour) },
		})

		_, err := late.SubmitVote(context.Background(), vote.SubmitVoteRequest{
			SessionID:  f.session.SessionID,
			VoterID:    tk.VoterID,
			Token:      tk.Token,
			Submission: []int{0, 0},
		})
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})

	t.Run("secret sessions keep names out of the tallies", func(t *testing.T) {
		f := makeFixture(t, domain.TypeFormSecret)
		tk := f.tickets[0]

		submit(t, f, tk, []int{0, 0})

		rows, err := f.store.ListTallies(context.Background(), f.session.SessionID)
		require.NoError(t, err)
		for _, r := range rows {
			assert.Empty(t, r.Voters)
		}

		// Attendance still knows who participated.
		ss, err := f.store.GetSession(context.Background(), f.session.SessionID)
		require.NoError(t, err)
		assert.Equal(t, []string{tk.VoterName}, ss.ParticipantVoters)
	})
}

func submit(t *testing.T, f *fixture, tk domain.Ticket, submission []int) {
	t.Helper()

	_, err := f.vote.SubmitVote(context.Background(), vote.SubmitVoteRequest{
		SessionID:  f.session.SessionID,
		VoterID:    tk.VoterID,
		Token:      tk.Token,
		Submission: submission,
	})
	require.NoError(t, err)
}
