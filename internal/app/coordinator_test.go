package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

func TestGetOrCreateNewSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	out, err := env.coord.GetOrCreate(ctx, "u1", "Ada", berlinA)
	require.NoError(t, err)
	assert.True(t, out.WasCreated)
	assert.NotEmpty(t, out.SessionID)
	assert.NotEmpty(t, out.Name)

	s, err := env.store.Session(ctx, out.SessionID)
	require.NoError(t, err)
	require.Len(t, s.Participants, 1, "a just-created session always contains its creator")
	assert.Equal(t, domain.UserID("u1"), s.Participants[0].UserID)
	assert.True(t, s.Participants[0].IsCreator)
	assert.Equal(t, env.clock.Now().Add(env.cfg.CreatorGrace), s.CreatorGraceUntil)
}

func TestGetOrCreateJoinsNearbySession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	first := env.mustCreate(ctx, "u1", berlinA)
	env.clock.Advance(time.Second)

	out, err := env.coord.GetOrCreate(ctx, "u2", "Bea", berlinB)
	require.NoError(t, err)
	assert.False(t, out.WasCreated)
	assert.Equal(t, first.SessionID, out.SessionID)

	s, err := env.store.Session(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Len(t, s.Participants, 2)
}

func TestGetOrCreateIgnoresFarSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	first := env.mustCreate(ctx, "u1", berlinA)
	out, err := env.coord.GetOrCreate(ctx, "u2", "", munich)
	require.NoError(t, err)
	assert.True(t, out.WasCreated)
	assert.NotEqual(t, first.SessionID, out.SessionID)
}

func TestGetOrCreateValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	out, err := env.coord.GetOrCreate(ctx, "", "", berlinA)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeValidation, out.Code)

	out, err = env.coord.GetOrCreate(ctx, "u1", "", domain.Coordinates{})
	require.NoError(t, err)
	assert.Equal(t, domain.CodeValidation, out.Code)
}

func TestFullSessionFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	first := env.mustCreate(ctx, "u0", berlinA)
	for i := 1; i < env.cfg.MaxParticipants; i++ {
		out := env.mustCreate(ctx, domain.UserID(fmt.Sprintf("u%d", i)), berlinA)
		require.Equal(t, first.SessionID, out.SessionID)
	}

	// Ninth requester: the only candidate is at 8/8, so a fresh session
	// appears at the same location.
	out, err := env.coord.GetOrCreate(ctx, "u9", "", berlinA)
	require.NoError(t, err)
	assert.True(t, out.WasCreated)
	assert.NotEqual(t, first.SessionID, out.SessionID)
}

func TestPrivilegedIdentityBypassesCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.cfg.AdminUserID = "admin"

	first := env.mustCreate(ctx, "u0", berlinA)
	for i := 1; i < env.cfg.MaxParticipants; i++ {
		env.mustCreate(ctx, domain.UserID(fmt.Sprintf("u%d", i)), berlinA)
	}

	out, err := env.coord.GetOrCreate(ctx, "admin", "", berlinA)
	require.NoError(t, err)
	assert.False(t, out.WasCreated)
	assert.Equal(t, first.SessionID, out.SessionID)

	s, err := env.store.Session(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Len(t, s.Participants, env.cfg.MaxParticipants+1)
}

func TestConcurrentCallersConverge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	const n = 20
	var wg sync.WaitGroup
	outcomes := make([]JoinOutcome, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = env.coord.GetOrCreate(ctx, domain.UserID(fmt.Sprintf("c%d", i)), "", berlinA)
		}(i)
	}
	wg.Wait()

	seen := make(map[domain.UserID]bool)
	for i := range outcomes {
		require.NoError(t, errs[i], "no caller is silently dropped")
		require.NotEmpty(t, outcomes[i].SessionID)
	}

	sessions, err := env.store.ActiveSessions(ctx)
	require.NoError(t, err)
	maxSessions := (n + env.cfg.MaxParticipants - 1) / env.cfg.MaxParticipants
	assert.LessOrEqual(t, len(sessions), maxSessions)

	for _, s := range sessions {
		for _, p := range s.Participants {
			seen[p.UserID] = true
		}
	}
	assert.Len(t, seen, n, "every caller landed in some session")
}

func TestGetOrCreateJoinClearsDeletionMark(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	first := env.mustCreate(ctx, "u1", berlinA)
	now := env.clock.Now()
	require.NoError(t, env.store.RunTransaction(ctx, func(tx store.Tx) error {
		s, err := tx.Session(first.SessionID)
		if err != nil {
			return err
		}
		s.MarkedForDeletion = &now
		return tx.PutSession(s)
	}))

	out, err := env.coord.GetOrCreate(ctx, "u2", "", berlinB)
	require.NoError(t, err)
	require.Equal(t, first.SessionID, out.SessionID)

	s, err := env.store.Session(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Nil(t, s.MarkedForDeletion)
}

// corruptStore simulates a store whose read-back after create loses the
// roster, to exercise the consistency check.
type corruptStore struct {
	*store.Memory
}

func (c *corruptStore) Session(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	s, err := c.Memory.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Participants = nil
	return s, nil
}

func TestCreateVerificationFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	bad := &corruptStore{Memory: env.store}
	coord := NewCoordinator(bad, env.cfg)
	coord.clock = env.clock.Now

	_, err := coord.GetOrCreate(ctx, "u1", "", berlinA)
	assert.ErrorIs(t, err, domain.ErrConsistencyViolation)
}
