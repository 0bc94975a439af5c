package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Nearby/internal/domain"
)

type recordingSink struct {
	entries []*domain.ActivityEntry
}

func (r *recordingSink) Publish(e *domain.ActivityEntry) {
	r.entries = append(r.entries, e)
}

func TestSyncJoinSetsPointerAndEmitsActivity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	sink := &recordingSink{}
	env.vault.Sink = sink

	created := env.mustCreate(ctx, "u1", berlinA)
	s, err := env.store.Session(ctx, created.SessionID)
	require.NoError(t, err)

	require.NoError(t, env.vault.SyncJoin(ctx, "u1", s))

	rec, err := env.store.Presence(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec.SessionID)
	assert.Equal(t, created.SessionID, *rec.SessionID)
	assert.Equal(t, domain.StatusInRoom, rec.Status)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, domain.UserID("u1"), sink.entries[0].Actor)
	assert.Equal(t, env.clock.Now().Add(env.cfg.ActivityTTL), sink.entries[0].ExpiresAt)

	feed, err := env.vault.RecentActivity(ctx, []domain.UserID{"u1"})
	require.NoError(t, err)
	assert.Len(t, feed, 1)
}

func TestGhostJoinEmitsNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.cfg.AdminUserID = "admin"
	sink := &recordingSink{}
	env.vault.Sink = sink

	require.NoError(t, env.vault.Touch(ctx, "admin"))
	require.NoError(t, env.vault.SetGhostMode(ctx, "admin", true))

	created := env.mustCreate(ctx, "admin", berlinA)
	s, err := env.store.Session(ctx, created.SessionID)
	require.NoError(t, err)
	assert.True(t, s.Participants[0].IsGhost)

	require.NoError(t, env.vault.SyncJoin(ctx, "admin", s))
	assert.Empty(t, sink.entries, "ghost joins stay off the feed")

	feed, err := env.vault.RecentActivity(ctx, []domain.UserID{"admin"})
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestGetPresenceUnknownUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	view, err := env.vault.GetPresence(ctx, "nobody", "viewer")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestPrivacyHidesSessionFromOrdinaryViewers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.cfg.AdminUserID = "admin"

	created := env.mustCreate(ctx, "u1", berlinA)
	s, err := env.store.Session(ctx, created.SessionID)
	require.NoError(t, err)
	require.NoError(t, env.vault.SyncJoin(ctx, "u1", s))
	require.NoError(t, env.vault.SetPrivacy(ctx, "u1", true))
	require.NoError(t, env.vault.Touch(ctx, "admin")) // materialize the admin record

	// Ordinary viewer: online yes, session pointer no.
	view, err := env.vault.GetPresence(ctx, "u1", "stranger")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.True(t, view.Online)
	assert.Nil(t, view.SessionID)
	assert.True(t, view.SessionHidden)

	// Admin sees through the privacy flag.
	view, err = env.vault.GetPresence(ctx, "u1", "admin")
	require.NoError(t, err)
	require.NotNil(t, view)
	require.NotNil(t, view.SessionID)
	assert.Equal(t, created.SessionID, *view.SessionID)

	// The user always sees themselves.
	view, err = env.vault.GetPresence(ctx, "u1", "u1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.NotNil(t, view.SessionID)
}

func TestGhostInvisibleToEveryViewer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.cfg.AdminUserID = "admin"

	require.NoError(t, env.vault.Touch(ctx, "admin"))
	require.NoError(t, env.vault.SetGhostMode(ctx, "admin", true))

	// Second elevated viewer cannot see the ghost either.
	other := &domain.PresenceRecord{UserID: "admin2", Role: domain.RoleAdmin, Online: true, LastSeen: env.clock.Now()}
	require.NoError(t, env.store.PutPresence(ctx, other))

	for _, viewer := range []domain.UserID{"stranger", "admin2"} {
		view, err := env.vault.GetPresence(ctx, "admin", viewer)
		require.NoError(t, err)
		assert.Nil(t, view, "ghost must be invisible to %s", viewer)
	}

	// While retaining full visibility of everyone else.
	require.NoError(t, env.vault.Touch(ctx, "u1"))
	view, err := env.vault.GetPresence(ctx, "u1", "admin")
	require.NoError(t, err)
	assert.NotNil(t, view)

	view, err = env.vault.GetPresence(ctx, "admin", "admin")
	require.NoError(t, err)
	assert.NotNil(t, view, "a ghost still sees themselves")
}

func TestGhostModeRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	require.NoError(t, env.vault.Touch(ctx, "u1"))
	assert.Error(t, env.vault.SetGhostMode(ctx, "u1", true))
}

func TestOfflineThreshold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	require.NoError(t, env.vault.Touch(ctx, "u1"))

	view, err := env.vault.GetPresence(ctx, "u1", "viewer")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.True(t, view.Online)

	env.clock.Advance(env.cfg.PresenceOffline + time.Second)
	view, err = env.vault.GetPresence(ctx, "u1", "viewer")
	require.NoError(t, err)
	require.NotNil(t, view, "records go stale, never vanish")
	assert.False(t, view.Online)
	assert.Equal(t, domain.StatusOffline, view.Status)

	// A fresh touch brings them back.
	require.NoError(t, env.vault.Touch(ctx, "u1"))
	view, err = env.vault.GetPresence(ctx, "u1", "viewer")
	require.NoError(t, err)
	assert.True(t, view.Online)
}
