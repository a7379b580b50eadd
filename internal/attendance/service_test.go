package attendance_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/evote/internal/attendance"
	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/store"
)

func makeService(t *testing.T) (*attendance.Service, *event.Bus, redis.UniversalClient, *store.Memory) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	eb := event.NewBus()
	st := store.NewMemory()

	s := attendance.NewService(attendance.Config{
		EventBus: eb,
		Redis:    rc,
		Store:    st,
		Prefix:   "evote-test",
	})

	return s, eb, rc, st
}

func TestService_Attendance(t *testing.T) {
	t.Run("names arrive via the vote-recorded event, sorted", func(t *testing.T) {
		s, eb, _, _ := makeService(t)

		for _, name := range []string{"Carol", "Alice", "Bob"} {
			eb.Publish(context.Background(), domain.EventVoteRecorded{
				SessionID: "s1",
				VoterName: name,
				VotedAt:   time.Now(),
			})
		}
		eb.Stop()

		names, err := s.Attendance(context.Background(), attendance.AttendanceRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names)
	})

	t.Run("a repeated voter is listed once", func(t *testing.T) {
		s, _, _, _ := makeService(t)

		for i := 0; i < 3; i++ {
			err := s.RecordVote(context.Background(), domain.EventVoteRecorded{
				SessionID: "s1",
				VoterName: "Alice",
			})
			require.NoError(t, err)
		}

		names, err := s.Attendance(context.Background(), attendance.AttendanceRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice"}, names)
	})

	t.Run("sessions do not leak into each other", func(t *testing.T) {
		s, _, _, _ := makeService(t)

		require.NoError(t, s.RecordVote(context.Background(), domain.EventVoteRecorded{SessionID: "s1", VoterName: "Alice"}))
		require.NoError(t, s.RecordVote(context.Background(), domain.EventVoteRecorded{SessionID: "s2", VoterName: "Bob"}))

		names, err := s.Attendance(context.Background(), attendance.AttendanceRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice"}, names)
	})

	t.Run("a cold cache falls back to the persisted participants", func(t *testing.T) {
		s, _, _, st := makeService(t)

		require.NoError(t, st.CreateSession(context.Background(), &domain.Session{
			SessionID:         "s1",
			Name:              "AGM 2026",
			Type:              domain.TypeFormPublic,
			ParticipantVoters: []string{"Bob", "Alice"},
		}))

		names, err := s.Attendance(context.Background(), attendance.AttendanceRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice", "Bob"}, names)
	})
}

func TestService_Notifications(t *testing.T) {
	s, _, rc, _ := makeService(t)

	sub := rc.Subscribe(context.Background(), "evote-test:s1:events")
	t.Cleanup(func() { _ = sub.Close() })

	_, err := sub.Receive(context.Background()) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, s.RecordVote(context.Background(), domain.EventVoteRecorded{
		SessionID: "s1",
		VoterName: "Alice",
	}))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)

	var n attendance.Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
	assert.Equal(t, domain.EventNameVoteRecorded, n.Event)
	assert.Equal(t, "s1", n.SessionID)
	assert.Equal(t, "Alice", n.VoterName)
}
