package notify_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/notify"
	"github.com/openassembly/evote/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Message
	// fail lists recipients whose delivery errors out.
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, m notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail[m.To] {
		return fmt.Errorf("mailbox unavailable: %s", m.To)
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, m := range f.sent {
		out = append(out, m.To)
	}
	return out
}

func formSession(typ domain.SessionType) domain.Session {
	return domain.Session{
		SessionID: "s1",
		Name:      "AGM 2026",
		Type:      typ,
	}
}

func tickets() []domain.Ticket {
	return []domain.Ticket{
		{SessionID: "s1", VoterID: "v1", VoterName: "Alice", VoterEmail: "alice@example.org", Token: "tok-1"},
		{SessionID: "s1", VoterID: "v2", VoterName: "Bob", VoterEmail: "bob@example.org", Token: "tok-2"},
		{SessionID: "s1", VoterID: "v3", VoterName: "Carol", VoterEmail: "carol@example.org", Token: "tok-3"},
	}
}

func TestDispatcher_DeliverAll(t *testing.T) {
	t.Run("sends one link per ticket on session start", func(t *testing.T) {
		sender := &fakeSender{}
		eb := event.NewBus()

		notify.NewDispatcher(notify.Config{
			Sender:   sender,
			EventBus: eb,
			Store:    store.NewMemory(),
			BaseURL:  "https://vote.example.org",
		})

		eb.Publish(context.Background(), domain.EventSessionStarted{
			Session: formSession(domain.TypeFormPublic),
			Tickets: tickets(),
		})
		eb.Stop()

		assert.ElementsMatch(t,
			[]string{"alice@example.org", "bob@example.org", "carol@example.org"},
			sender.recipients())

		for _, m := range sender.sent {
			assert.Contains(t, m.Body, "https://vote.example.org/sessions/s1/vote?")
			assert.Contains(t, m.Subject, "AGM 2026")
		}
	})

	t.Run("one dead mailbox never blocks the others", func(t *testing.T) {
		sender := &fakeSender{fail: map[string]bool{"bob@example.org": true}}

		d := notify.NewDispatcher(notify.Config{
			Sender:   sender,
			EventBus: event.NewBus(),
			Store:    store.NewMemory(),
			BaseURL:  "https://vote.example.org",
		})

		d.DeliverAll(context.Background(), formSession(domain.TypeFormPublic), tickets())

		assert.ElementsMatch(t,
			[]string{"alice@example.org", "carol@example.org"},
			sender.recipients())
	})

	t.Run("in-room sessions get no mail", func(t *testing.T) {
		sender := &fakeSender{}

		d := notify.NewDispatcher(notify.Config{
			Sender:   sender,
			EventBus: event.NewBus(),
			Store:    store.NewMemory(),
			BaseURL:  "https://vote.example.org",
		})

		d.DeliverAll(context.Background(), formSession(domain.TypeImmediate), tickets())

		assert.Empty(t, sender.recipients())
	})
}

func TestDispatcher_Resend(t *testing.T) {
	sender := &fakeSender{}
	st := store.NewMemory()

	d := notify.NewDispatcher(notify.Config{
		Sender:   sender,
		EventBus: event.NewBus(),
		Store:    st,
		BaseURL:  "https://vote.example.org",
	})

	ss := formSession(domain.TypeFormPublic)
	require.NoError(t, st.CreateSession(context.Background(), &ss))
	require.NoError(t, st.StartSession(context.Background(), "s1",
		time.Now(), time.Now().Add(time.Hour), "UTC", tickets()))

	t.Run("re-delivers one voter's link", func(t *testing.T) {
		err := d.Resend(context.Background(), notify.ResendRequest{SessionID: "s1", VoterID: "v2"})
		require.NoError(t, err)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "bob@example.org", sender.sent[0].To)
		assert.Contains(t, sender.sent[0].Body, "tok-2")
	})

	t.Run("unknown voter reads as not found", func(t *testing.T) {
		err := d.Resend(context.Background(), notify.ResendRequest{SessionID: "s1", VoterID: "nobody"})
		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})

	t.Run("unknown session reads as not found", func(t *testing.T) {
		err := d.Resend(context.Background(), notify.ResendRequest{SessionID: "ghost", VoterID: "v1"})
		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})
}

func TestDispatcher_VoteURL(t *testing.T) {
	d := notify.NewDispatcher(notify.Config{
		EventBus: event.NewBus(),
		Store:    store.NewMemory(),
		BaseURL:  "https://vote.example.org",
	})

	got := d.VoteURL(domain.Ticket{SessionID: "s1", VoterID: "v 1", Token: "a+b/c"})
	assert.Equal(t, "https://vote.example.org/sessions/s1/vote?token=a%2Bb%2Fc&voterId=v+1", got)
}
