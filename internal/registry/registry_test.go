package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"broker-relay/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func mustSession(t *testing.T, r *Registry, id string) {
	t.Helper()
	_, err := r.CreateSession(context.Background(), id, "Test User")
	require.NoError(t, err)
}

func mustAdd(t *testing.T, r *Registry, id, text string, isUser bool) domain.Message {
	t.Helper()
	msg, ok, err := r.AddMessage(context.Background(), id, text, isUser)
	require.NoError(t, err)
	require.True(t, ok)
	return msg
}

func texts(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestCreateSession_Defaults(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now))

	s, err := r.CreateSession(context.Background(), "abc123", "")
	require.NoError(t, err)
	require.Equal(t, "abc123", s.ID)
	require.Equal(t, domain.UnknownContact, s.RecipientContact)
	require.Equal(t, clock.Now(), s.CreatedAt)
	require.Equal(t, clock.Now(), s.LastActivity)
	require.False(t, s.HasThread())
	require.Empty(t, s.Messages)
}

func TestCreateSession_Duplicate(t *testing.T) {
	r := New()
	mustSession(t, r, "abc")

	_, err := r.CreateSession(context.Background(), "abc", "Other")
	require.ErrorIs(t, err, domain.ErrSessionExists)
}

func TestCreateSession_EmptyID(t *testing.T) {
	_, err := New().CreateSession(context.Background(), "  ", "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestGetSession_Missing(t *testing.T) {
	_, ok, err := New().GetSession(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddMessage_UnknownSession(t *testing.T) {
	_, ok, err := New().AddMessage(context.Background(), "nope", "hi", true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddMessage_UpdatesActivityAndOrder(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now))
	mustSession(t, r, "abc")

	clock.Advance(time.Minute)
	first := mustAdd(t, r, "abc", "one", true)
	clock.Advance(time.Minute)
	second := mustAdd(t, r, "abc", "two", false)

	require.NotEqual(t, first.ID, second.ID)
	require.True(t, second.Timestamp.After(first.Timestamp))

	s, ok, err := r.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"one", "two"}, texts(s.Messages))
	require.Equal(t, clock.Now(), s.LastActivity)
}

func TestAddMessage_SameInstantStrictlyIncreasing(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now))
	mustSession(t, r, "abc")

	a := mustAdd(t, r, "abc", "a", false)
	b := mustAdd(t, r, "abc", "b", false)
	c := mustAdd(t, r, "abc", "c", false)

	require.Equal(t, a.Timestamp.Add(time.Millisecond), b.Timestamp)
	require.Equal(t, b.Timestamp.Add(time.Millisecond), c.Timestamp)
}

func TestGetMessagesAfter_ExcludesVisitorMessages(t *testing.T) {
	r := New()
	mustSession(t, r, "abc123")
	mustAdd(t, r, "abc123", "Hello", true)

	msgs, err := r.GetMessagesAfter(context.Background(), "abc123", time.Time{})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGetMessagesAfter_CursorAtLastSeen(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now))
	mustSession(t, r, "abc")

	mustAdd(t, r, "abc", "r1", false)
	seen := mustAdd(t, r, "abc", "r2", false)

	// Same wall-clock millisecond as the last seen message.
	mustAdd(t, r, "abc", "r3", false)
	clock.Advance(time.Second)
	mustAdd(t, r, "abc", "r4", false)

	msgs, err := r.GetMessagesAfter(context.Background(), "abc", seen.Timestamp)
	require.NoError(t, err)
	require.Equal(t, []string{"r3", "r4"}, texts(msgs))
}

func TestGetMessagesAfter_IncrementalPollsCoverAllRepliesOnce(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now))
	mustSession(t, r, "abc")

	var cursor time.Time
	var received []string
	var want []string
	seen := map[string]bool{}

	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			text := fmt.Sprintf("reply-%d-%d", round, i)
			mustAdd(t, r, "abc", text, false)
			mustAdd(t, r, "abc", "visitor-"+text, true)
			want = append(want, text)
			if i%2 == 0 {
				clock.Advance(time.Millisecond)
			}
		}

		msgs, err := r.GetMessagesAfter(context.Background(), "abc", cursor)
		require.NoError(t, err)
		for _, m := range msgs {
			require.False(t, seen[m.ID], "message %s returned twice", m.ID)
			seen[m.ID] = true
			received = append(received, m.Text)
			cursor = m.Timestamp
		}
	}
	require.Equal(t, want, received)
}

func TestGetMessagesAfter_UnknownSession(t *testing.T) {
	msgs, err := New().GetMessagesAfter(context.Background(), "nope", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, msgs)
	require.Empty(t, msgs)
}

func TestThreadCorrelation_Bijective(t *testing.T) {
	orders := map[string]func(r *Registry){
		"set then map": func(r *Registry) {
			require.NoError(t, r.SetExternalThreadID(context.Background(), "abc", 42))
			require.NoError(t, r.MapThreadToSession(context.Background(), 42, "abc"))
		},
		"map then set": func(r *Registry) {
			require.NoError(t, r.MapThreadToSession(context.Background(), 42, "abc"))
			require.NoError(t, r.SetExternalThreadID(context.Background(), "abc", 42))
		},
	}
	for name, apply := range orders {
		t.Run(name, func(t *testing.T) {
			r := New()
			mustSession(t, r, "abc")
			apply(r)

			sessionID, ok, err := r.ResolveSessionByThreadID(context.Background(), 42)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "abc", sessionID)

			threadID, ok, err := r.GetExternalThreadID(context.Background(), "abc")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int64(42), threadID)
		})
	}
}

func TestSetExternalThreadID_SetOnce(t *testing.T) {
	r := New()
	mustSession(t, r, "abc")

	require.NoError(t, r.SetExternalThreadID(context.Background(), "abc", 7))
	require.NoError(t, r.SetExternalThreadID(context.Background(), "abc", 7))
	err := r.SetExternalThreadID(context.Background(), "abc", 8)
	require.ErrorIs(t, err, domain.ErrThreadAlreadySet)

	threadID, _, err := r.GetExternalThreadID(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, int64(7), threadID)
}

func TestSetExternalThreadID_UnknownSession(t *testing.T) {
	err := New().SetExternalThreadID(context.Background(), "nope", 7)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestGetExternalThreadID_Absent(t *testing.T) {
	r := New()
	mustSession(t, r, "abc")
	_, ok, err := r.GetExternalThreadID(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveSessionByThreadID_Unknown(t *testing.T) {
	_, ok, err := New().ResolveSessionByThreadID(context.Background(), 99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweep_RemovesIdleSessionsAndMappings(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now), WithRetention(time.Hour))
	mustSession(t, r, "old")
	require.NoError(t, r.SetExternalThreadID(context.Background(), "old", 1))
	require.NoError(t, r.MapThreadToSession(context.Background(), 1, "old"))

	clock.Advance(50 * time.Minute)
	mustSession(t, r, "fresh")
	require.NoError(t, r.MapThreadToSession(context.Background(), 2, "fresh"))

	clock.Advance(20 * time.Minute)
	removed := r.Sweep(clock.Now())
	require.Equal(t, 1, removed)
	require.Equal(t, 1, r.Len())

	_, ok, err := r.ResolveSessionByThreadID(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ok)
	sessionID, ok, err := r.ResolveSessionByThreadID(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", sessionID)
	require.NotContains(t, r.threads, int64(1))
}

func TestSweep_ActivityKeepsSessionAlive(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now), WithRetention(time.Hour))
	mustSession(t, r, "abc")

	clock.Advance(45 * time.Minute)
	mustAdd(t, r, "abc", "still here", true)
	clock.Advance(45 * time.Minute)

	require.Zero(t, r.Sweep(clock.Now()))
	require.Equal(t, 1, r.Len())
}

func TestResolve_ExpiredSessionMappingIsMiss(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now), WithRetention(time.Hour))
	mustSession(t, r, "abc")
	require.NoError(t, r.MapThreadToSession(context.Background(), 5, "abc"))

	// Drop the session without touching the reverse map.
	r.mu.Lock()
	delete(r.sessions, "abc")
	r.mu.Unlock()

	_, ok, err := r.ResolveSessionByThreadID(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SweepsPeriodically(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now), WithRetention(time.Minute))
	mustSession(t, r, "abc")
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentAppends(t *testing.T) {
	r := New()
	mustSession(t, r, "abc")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _, _ = r.AddMessage(context.Background(), "abc", fmt.Sprintf("%d-%d", i, j), false)
				_, _ = r.GetMessagesAfter(context.Background(), "abc", time.Time{})
			}
		}(i)
	}
	wg.Wait()

	msgs, err := r.GetMessagesAfter(context.Background(), "abc", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 500)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp))
	}
}
