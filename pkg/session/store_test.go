package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend interface {
	Store
	Locker
}

func forEachStore(t *testing.T, fn func(t *testing.T, s backend, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		fn(t, NewMemoryStore().WithClock(clock.Now), clock)
	})

	t.Run("sqlite", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		s, err := NewSQLiteStore(SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "tempo.db"),
			Now:  clock.Now,
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s, clock)
	})
}

func TestAppendUserMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()

		res, err := s.AppendUserMessage(ctx, "s1", "hello", 0)
		require.NoError(t, err)
		assert.Equal(t, StatusAppended, res.Status)
		assert.Equal(t, int64(1), res.Version)
		require.Len(t, res.Messages, 1)
		assert.Equal(t, RoleUser, res.Messages[0].Role)
		assert.Equal(t, "hello", res.Messages[0].Content)

		sess, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), sess.Version)
		assert.Empty(t, sess.Mode)
	})
}

func TestAppendConflictLeavesVersionUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()

		_, err := s.AppendUserMessage(ctx, "s1", "one", 0)
		require.NoError(t, err)
		_, err = s.AppendUserMessage(ctx, "s1", "two", 1)
		require.NoError(t, err)

		for _, stale := range []int64{0, 1, 5} {
			res, err := s.AppendUserMessage(ctx, "s1", "stale", stale)
			require.NoError(t, err)
			assert.Equal(t, StatusConflict, res.Status)
			assert.Equal(t, int64(2), res.Version)
		}

		msgs, version, err := s.LoadHistory(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
		assert.Len(t, msgs, 2)
	})
}

func TestAppendToUnknownSessionWithStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		res, err := s.AppendUserMessage(context.Background(), "ghost", "hi", 3)
		require.NoError(t, err)
		assert.Equal(t, StatusConflict, res.Status)
		assert.Equal(t, int64(0), res.Version)

		_, err = s.GetSession(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestConcurrentAppendsSameVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()
		for i := int64(0); i < 5; i++ {
			_, err := s.AppendUserMessage(ctx, "S1", "warmup", i)
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		results := make([]*AppendResult, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.AppendUserMessage(ctx, "S1", "race", 5)
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		appended, conflicts := 0, 0
		for _, res := range results {
			require.NotNil(t, res)
			switch res.Status {
			case StatusAppended:
				appended++
				assert.Equal(t, int64(6), res.Version)
			case StatusConflict:
				conflicts++
				assert.Equal(t, int64(6), res.Version)
			}
		}
		assert.Equal(t, 1, appended)
		assert.Equal(t, 1, conflicts)
	})
}

func TestAssistantTurnLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()

		_, err := s.AppendUserMessage(ctx, "s1", "add milk to my list", 0)
		require.NoError(t, err)

		begin, err := s.BeginAssistantTurn(ctx, "s1", "req-1", 1, map[string]interface{}{MetaMode: "primary"})
		require.NoError(t, err)
		assert.Equal(t, StatusAppended, begin.Status)
		assert.Equal(t, int64(2), begin.Version)

		content := "partial"
		err = s.UpdateAssistantTurn(ctx, "s1", "req-1", TurnPatch{
			Content:     &content,
			ToolCalls:   []ToolCall{{ID: "c1", Name: "create_task", Args: []byte(`{"content":"milk"}`)}},
			ToolResults: []ToolResult{{ToolCallID: "c1", ToolName: "create_task", Result: []byte(`{"ok":true}`)}},
			Metadata:    map[string]interface{}{MetaToolState: map[string]interface{}{"c1": "completed"}},
		})
		require.NoError(t, err)

		_, version, err := s.LoadHistory(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), version, "update must not bump the version")

		fin, err := s.FinishAssistantTurn(ctx, "s1", "req-1", "Added milk.", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAppended, fin.Status)
		assert.Equal(t, int64(3), fin.Version)

		msgs, _, err := s.LoadHistory(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		turn := msgs[1]
		assert.Equal(t, RoleAssistant, turn.Role)
		assert.Equal(t, "Added milk.", turn.Content)
		require.Len(t, turn.ToolCalls, 1)
		assert.Equal(t, "c1", turn.ToolCalls[0].ID)
		require.Len(t, turn.ToolResults, 1)
		assert.Equal(t, "primary", turn.Metadata[MetaMode])
		assert.Equal(t, TurnCompleted, turn.Metadata[MetaStatus])
		assert.Equal(t, "req-1", turn.Metadata[MetaRequestID])
	})
}

func TestBeginTurnConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()
		_, err := s.AppendUserMessage(ctx, "s1", "hi", 0)
		require.NoError(t, err)

		res, err := s.BeginAssistantTurn(ctx, "s1", "req-1", 0, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusConflict, res.Status)
		assert.Equal(t, int64(1), res.Version)

		_, err = s.BeginAssistantTurn(ctx, "missing", "req-1", 0, nil)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestFinishConflictsAfterInterleavedAppend(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()
		_, err := s.AppendUserMessage(ctx, "s1", "hi", 0)
		require.NoError(t, err)
		_, err = s.BeginAssistantTurn(ctx, "s1", "req-1", 1, nil)
		require.NoError(t, err)

		// a stale lock lets another writer in
		_, err = s.AppendUserMessage(ctx, "s1", "interleaved", 2)
		require.NoError(t, err)

		fin, err := s.FinishAssistantTurn(ctx, "s1", "req-1", "done", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusConflict, fin.Status)
		assert.Equal(t, int64(3), fin.Version)

		_, err = s.FinishAssistantTurn(ctx, "s1", "unknown", "done", nil)
		assert.ErrorIs(t, err, ErrTurnNotFound)
	})
}

func TestFinishTwiceConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()
		_, err := s.AppendUserMessage(ctx, "s1", "hi", 0)
		require.NoError(t, err)
		_, err = s.BeginAssistantTurn(ctx, "s1", "req-1", 1, nil)
		require.NoError(t, err)

		first, err := s.FinishAssistantTurn(ctx, "s1", "req-1", "done", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAppended, first.Status)

		second, err := s.FinishAssistantTurn(ctx, "s1", "req-1", "again", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusConflict, second.Status)
		assert.Equal(t, first.Version, second.Version)
	})
}

func TestReusedRequestIDOpensNewTurn(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()
		_, err := s.AppendUserMessage(ctx, "s1", "hi", 0)
		require.NoError(t, err)
		_, err = s.BeginAssistantTurn(ctx, "s1", "req-1", 1, nil)
		require.NoError(t, err)
		first, err := s.FinishAssistantTurn(ctx, "s1", "req-1", "first answer", nil)
		require.NoError(t, err)
		require.Equal(t, int64(3), first.Version)

		appended, err := s.AppendUserMessage(ctx, "s1", "again", 3)
		require.NoError(t, err)
		require.Equal(t, int64(4), appended.Version)

		begin, err := s.BeginAssistantTurn(ctx, "s1", "req-1", 4, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAppended, begin.Status)
		assert.Equal(t, int64(5), begin.Version)

		content := "partial"
		require.NoError(t, s.UpdateAssistantTurn(ctx, "s1", "req-1", TurnPatch{Content: &content}))

		second, err := s.FinishAssistantTurn(ctx, "s1", "req-1", "second answer", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAppended, second.Status)
		assert.Equal(t, int64(6), second.Version)

		msgs, version, err := s.LoadHistory(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(6), version)
		require.Len(t, msgs, 4)
		assert.Equal(t, "first answer", msgs[1].Content)
		assert.Equal(t, "second answer", msgs[3].Content)
		assert.NotEqual(t, msgs[1].ID, msgs[3].ID)
		assert.Equal(t, TurnCompleted, msgs[1].Metadata[MetaStatus])
		assert.Equal(t, TurnCompleted, msgs[3].Metadata[MetaStatus])
	})
}

func TestModeFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()
		assert.ErrorIs(t, s.SetMode(ctx, "s1", "planner"), ErrSessionNotFound)

		_, err := s.AppendUserMessage(ctx, "s1", "hi", 0)
		require.NoError(t, err)
		require.NoError(t, s.SetMode(ctx, "s1", "planner"))
		require.NoError(t, s.MarkModeInjected(ctx, "s1", "planner"))

		sess, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "planner", sess.Mode)
		assert.Equal(t, "planner", sess.InjectedMode)
		assert.Equal(t, int64(1), sess.Version, "mode changes are not history appends")
	})
}

func TestLockExclusivity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, clock *fakeClock) {
		ctx := context.Background()
		ttl := 15 * time.Second

		first, err := s.Acquire(ctx, "s1", "req-a", ttl)
		require.NoError(t, err)
		assert.True(t, first.Acquired)

		second, err := s.Acquire(ctx, "s1", "req-b", ttl)
		require.NoError(t, err)
		assert.False(t, second.Acquired)
		assert.Equal(t, "req-a", second.Lock.OwnerRequestID)
		assert.True(t, first.Lock.ExpiresAt.Equal(second.Lock.ExpiresAt))

		other, err := s.Acquire(ctx, "s2", "req-b", ttl)
		require.NoError(t, err)
		assert.True(t, other.Acquired, "locks are per session")

		// non-owner release is ignored
		require.NoError(t, s.Release(ctx, "s1", "req-b"))
		again, err := s.Acquire(ctx, "s1", "req-c", ttl)
		require.NoError(t, err)
		assert.False(t, again.Acquired)

		require.NoError(t, s.Release(ctx, "s1", "req-a"))
		after, err := s.Acquire(ctx, "s1", "req-c", ttl)
		require.NoError(t, err)
		assert.True(t, after.Acquired)
	})
}

func TestLockRejectsSameRequestID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, clock *fakeClock) {
		ctx := context.Background()
		ttl := 15 * time.Second

		first, err := s.Acquire(ctx, "s1", "req-a", ttl)
		require.NoError(t, err)
		require.True(t, first.Acquired)

		clock.Advance(time.Second)
		dup, err := s.Acquire(ctx, "s1", "req-a", ttl)
		require.NoError(t, err)
		assert.False(t, dup.Acquired, "a second request with the same id must not share the lock")
		assert.Equal(t, "req-a", dup.Lock.OwnerRequestID)
		assert.True(t, first.Lock.ExpiresAt.Equal(dup.Lock.ExpiresAt), "the held lock keeps its expiry")

		require.NoError(t, s.Release(ctx, "s1", "req-a"))
		again, err := s.Acquire(ctx, "s1", "req-a", ttl)
		require.NoError(t, err)
		assert.True(t, again.Acquired)
	})
}

func TestLockExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, clock *fakeClock) {
		ctx := context.Background()

		_, err := s.Acquire(ctx, "s1", "crashed", 15*time.Second)
		require.NoError(t, err)

		clock.Advance(16 * time.Second)

		res, err := s.Acquire(ctx, "s1", "req-b", 15*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Acquired)
		assert.Equal(t, "req-b", res.Lock.OwnerRequestID)
	})
}

func TestConcurrentLockAcquisition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, _ *fakeClock) {
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		acquired := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Acquire(ctx, "s1", "req-"+string(rune('a'+i)), time.Minute)
				assert.NoError(t, err)
				if res.Acquired {
					mu.Lock()
					acquired++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, acquired)
	})
}

func TestReaper(t *testing.T) {
	forEachStore(t, func(t *testing.T, s backend, clock *fakeClock) {
		ctx := context.Background()
		_, err := s.Acquire(ctx, "s1", "r1", time.Second)
		require.NoError(t, err)
		_, err = s.Acquire(ctx, "s2", "r2", time.Hour)
		require.NoError(t, err)

		clock.Advance(2 * time.Second)

		reaper := NewReaper(s, "", zerolog.Nop())
		assert.Equal(t, 1, reaper.RunOnce(ctx))
		assert.Equal(t, 0, reaper.RunOnce(ctx))

		held, err := s.Acquire(ctx, "s2", "r3", time.Hour)
		require.NoError(t, err)
		assert.False(t, held.Acquired)
	})
}

func TestReaperStartStop(t *testing.T) {
	reaper := NewReaper(NewMemoryStore(), "@every 1h", zerolog.Nop())
	require.NoError(t, reaper.Start(context.Background()))
	assert.Error(t, reaper.Start(context.Background()))
	reaper.Stop()

	bad := NewReaper(NewMemoryStore(), "not a schedule", zerolog.Nop())
	assert.Error(t, bad.Start(context.Background()))
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
