package mode

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tempo/pkg/session"
)

func setupController(t *testing.T) (*Controller, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	_, err := store.AppendUserMessage(context.Background(), "s1", "hi", 0)
	require.NoError(t, err)
	return NewController(NewRegistry(), store, zerolog.Nop()), store
}

func TestResolve(t *testing.T) {
	ctrl, store := setupController(t)
	ctx := context.Background()

	m, err := ctrl.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Default, m.Name)

	m, err = ctrl.Resolve(ctx, "unknown-session")
	require.NoError(t, err)
	assert.Equal(t, Default, m.Name)

	t.Run("store wins over cache", func(t *testing.T) {
		ctrl.remember("s1", "executor")
		require.NoError(t, store.SetMode(ctx, "s1", "planner"))

		m, err := ctrl.Resolve(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "planner", m.Name)

		cached, ok := ctrl.Cached("s1")
		assert.True(t, ok)
		assert.Equal(t, "planner", cached)
	})

	t.Run("vanished custom mode falls back", func(t *testing.T) {
		require.NoError(t, store.SetMode(ctx, "s1", "deleted-custom"))
		m, err := ctrl.Resolve(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, Default, m.Name)
	})
}

func TestHandleModeSwitch(t *testing.T) {
	ctx := context.Background()

	t.Run("switch persists to the store", func(t *testing.T) {
		ctrl, store := setupController(t)

		res := ctrl.HandleModeSwitch(ctx, "s1", "planner", "user asked for a plan")
		assert.True(t, res.Success)
		assert.True(t, res.Changed)
		assert.Equal(t, "primary", res.Previous)
		assert.Equal(t, "planner", res.Current)

		sess, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "planner", sess.Mode)
	})

	t.Run("unknown target falls back to current", func(t *testing.T) {
		ctrl, store := setupController(t)

		res := ctrl.HandleModeSwitch(ctx, "s1", "astrologer", "")
		assert.False(t, res.Success)
		assert.Equal(t, "primary", res.Current)
		assert.NotEmpty(t, res.Message)

		sess, _ := store.GetSession(ctx, "s1")
		assert.Empty(t, sess.Mode)
	})

	t.Run("same mode is a no-op success", func(t *testing.T) {
		ctrl, _ := setupController(t)

		res := ctrl.HandleModeSwitch(ctx, "s1", "primary", "")
		assert.True(t, res.Success)
		assert.False(t, res.Changed)
	})

	t.Run("store failure is reported", func(t *testing.T) {
		store := &failingStore{MemoryStore: session.NewMemoryStore()}
		_, err := store.AppendUserMessage(ctx, "s1", "hi", 0)
		require.NoError(t, err)
		ctrl := NewController(NewRegistry(), store, zerolog.Nop())

		res := ctrl.HandleModeSwitch(ctx, "s1", "planner", "")
		assert.False(t, res.Success)
		assert.Equal(t, "primary", res.Current)
	})
}

func TestTransitionMessage(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := setupController(t)

	msg, err := ctrl.TransitionMessage(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, msg, "starting in the default mode is not a transition")

	ctrl.HandleModeSwitch(ctx, "s1", "calendar-manager", "")

	msg, err = ctrl.TransitionMessage(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, session.RoleSystem, msg.Role)
	assert.Contains(t, msg.Content, "calendar-manager")

	again, err := ctrl.TransitionMessage(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, again, "injected exactly once per switch")

	ctrl.HandleModeSwitch(ctx, "s1", "calendar-manager", "")
	msg, err = ctrl.TransitionMessage(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, msg, "re-entering the same mode does not re-inject")

	ctrl.HandleModeSwitch(ctx, "s1", "primary", "")
	msg, err = ctrl.TransitionMessage(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, msg, "returning to the default mode is a new switch")

	msg, err = ctrl.TransitionMessage(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

type failingStore struct {
	*session.MemoryStore
}

func (f *failingStore) SetMode(ctx context.Context, sessionID, mode string) error {
	return errors.New("disk full")
}
