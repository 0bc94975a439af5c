package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

// CacheInvalidator lets the lifecycle drop a gate's idempotency entry
// when a user leaves; otherwise a cached hit could resurrect the session
// they just walked out of.
type CacheInvalidator interface {
	Invalidate(identity domain.UserID, bucket string)
}

// JoinResult carries expected rejections inline so callers branch on
// Code instead of unwrapping errors.
type JoinResult struct {
	OK   bool             `json:"ok"`
	Code domain.ErrorCode `json:"code,omitempty"`
}

type memberState struct {
	sessionID domain.SessionID
	cancel    context.CancelFunc
}

// Lifecycle owns the join/leave handshakes, the heartbeat loop, stale
// eviction and the deletion machinery. Transaction failures propagate to
// the caller; presence sync failures are logged and swallowed.
type Lifecycle struct {
	Store       store.Store
	Cfg         *config.Config
	Vault       *PresenceVault
	Sched       *DeletionScheduler
	Invalidator CacheInvalidator

	mu     sync.Mutex
	active map[domain.UserID]*memberState

	// root parents every heartbeat goroutine so Close can stop them all.
	root context.Context
	stop context.CancelFunc

	clock func() time.Time
}

func NewLifecycle(st store.Store, cfg *config.Config, vault *PresenceVault) *Lifecycle {
	l := &Lifecycle{
		Store:  st,
		Cfg:    cfg,
		Vault:  vault,
		active: make(map[domain.UserID]*memberState),
		clock:  time.Now,
	}
	l.root, l.stop = context.WithCancel(context.Background())
	l.Sched = NewDeletionScheduler(l.DeleteIfStillEmpty)
	return l
}

// Close stops every tracked heartbeat. Called on server shutdown.
func (l *Lifecycle) Close() {
	l.stop()
	l.mu.Lock()
	for id, st := range l.active {
		st.cancel()
		delete(l.active, id)
	}
	l.mu.Unlock()
}

func (l *Lifecycle) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

// Join validates and merges the participant inside one transaction, then
// arms the local heartbeat and syncs presence best-effort. A join during
// the deletion buffer returns the session to active and cancels the
// pending delete.
func (l *Lifecycle) Join(ctx context.Context, sessionID domain.SessionID, identity domain.UserID, displayName string) (JoinResult, error) {
	if identity == "" || sessionID == "" {
		return JoinResult{Code: domain.CodeValidation}, nil
	}
	ghost := isGhost(ctx, l.Store, identity)

	var joined *domain.Session
	err := l.Store.RunTransaction(ctx, func(tx store.Tx) error {
		s, err := tx.Session(sessionID)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return store.ErrNotFound
		}
		if s.AtCapacity() && !s.HasParticipant(identity) && string(identity) != l.Cfg.AdminUserID {
			joined = nil
			return errCapacity
		}
		now := l.now()
		s.AddParticipant(newParticipant(identity, displayName, ghost, false, now), now)
		if err := tx.PutSession(s); err != nil {
			return err
		}
		joined = s
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return JoinResult{Code: domain.CodeNotFound}, nil
	case errors.Is(err, errCapacity):
		return JoinResult{Code: domain.CodeCapacity}, nil
	case errors.Is(err, store.ErrConflict):
		return JoinResult{}, domain.ErrConcurrencyConflict
	case err != nil:
		return JoinResult{}, err
	}

	l.Sched.Cancel(sessionID)
	l.track(sessionID, identity)

	// Presence is a side channel: the join already succeeded.
	if l.Vault != nil {
		if err := l.Vault.SyncJoin(ctx, identity, joined); err != nil {
			log.Warn().Err(err).Str("module", "app.lifecycle").Str("user", string(identity)).Msg("presence sync failed")
		}
		l.Vault.StartHeartbeat(identity)
	}
	log.Info().Str("module", "app.lifecycle").Str("session", string(sessionID)).Str("user", string(identity)).Msg("joined")
	return JoinResult{OK: true}, nil
}

var errCapacity = errors.New("session at capacity")

// Leave removes the participant transactionally. An emptied session that
// is still protected is marked for deletion and re-checked once the
// protection lapses; an unprotected one is deleted in the same commit.
func (l *Lifecycle) Leave(ctx context.Context, sessionID domain.SessionID, identity domain.UserID) error {
	l.untrack(identity)

	var (
		recheckAt time.Time
		bucket    string
	)
	err := l.Store.RunTransaction(ctx, func(tx store.Tx) error {
		recheckAt = time.Time{}
		s, err := tx.Session(sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		bucket = s.LocationBucket
		if !s.RemoveParticipant(identity) {
			return nil
		}
		now := l.now()
		s.LastActivityAt = now

		if len(s.Participants) > 0 || s.IsPermanent() {
			return tx.PutSession(s)
		}
		if s.CanDelete(now) {
			log.Info().Str("module", "app.lifecycle").Str("session", string(sessionID)).Msg("deleted on last leave")
			return tx.DeleteSession(sessionID)
		}
		s.MarkedForDeletion = &now
		recheckAt = s.ProtectedUntil()
		return tx.PutSession(s)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ErrConcurrencyConflict
		}
		return err
	}

	if !recheckAt.IsZero() {
		l.Sched.Schedule(sessionID, recheckAt)
	}
	if l.Invalidator != nil && bucket != "" {
		l.Invalidator.Invalidate(identity, bucket)
	}
	if l.Vault != nil {
		l.Vault.StopHeartbeat(identity)
		if err := l.Vault.SyncLeave(ctx, identity); err != nil {
			log.Warn().Err(err).Str("module", "app.lifecycle").Str("user", string(identity)).Msg("presence sync failed")
		}
	}
	log.Info().Str("module", "app.lifecycle").Str("session", string(sessionID)).Str("user", string(identity)).Msg("left")
	return nil
}

// Heartbeat refreshes the caller's liveness and piggybacks stale-peer
// eviction onto the same write, so cleanup rides on normal traffic.
func (l *Lifecycle) Heartbeat(ctx context.Context, sessionID domain.SessionID, identity domain.UserID) error {
	var evicted []domain.UserID
	err := l.Store.RunTransaction(ctx, func(tx store.Tx) error {
		s, err := tx.Session(sessionID)
		if err != nil {
			return err
		}
		now := l.now()
		if !s.TouchParticipant(identity, now) {
			return store.ErrNotFound
		}
		evicted = s.EvictStale(now, l.Cfg.StaleThreshold)
		return tx.PutSession(s)
	})
	if err != nil {
		return err
	}
	for _, uid := range evicted {
		log.Info().Str("module", "app.lifecycle").Str("session", string(sessionID)).Str("user", string(uid)).Msg("evicted stale participant")
	}
	if l.Vault != nil {
		if err := l.Vault.Touch(ctx, identity); err != nil {
			log.Warn().Err(err).Str("module", "app.lifecycle").Str("user", string(identity)).Msg("presence touch failed")
		}
	}
	return nil
}

// DeleteIfStillEmpty is the scheduled re-check: idempotent, callable from
// the timer queue or the sweep. A session that gained participants during
// the wait has its mark cleared; one still protected is re-queued.
func (l *Lifecycle) DeleteIfStillEmpty(ctx context.Context, sessionID domain.SessionID) {
	var recheckAt time.Time
	err := l.Store.RunTransaction(ctx, func(tx store.Tx) error {
		recheckAt = time.Time{}
		s, err := tx.Session(sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(s.Participants) > 0 {
			if s.MarkedForDeletion != nil {
				s.MarkedForDeletion = nil
				return tx.PutSession(s)
			}
			return nil
		}
		now := l.now()
		if s.CanDelete(now) {
			log.Info().Str("module", "app.lifecycle").Str("session", string(sessionID)).Msg("deleted after buffer")
			return tx.DeleteSession(sessionID)
		}
		if s.IsPermanent() {
			return nil
		}
		recheckAt = s.ProtectedUntil()
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.lifecycle").Str("session", string(sessionID)).Msg("delete check failed")
		return
	}
	if !recheckAt.IsZero() {
		l.Sched.Schedule(sessionID, recheckAt)
	}
}

// Sweep is the global backstop for clients that crashed before their own
// timers fired: evict stale participants everywhere and reap sessions
// that are empty and inactive beyond the threshold.
func (l *Lifecycle) Sweep(ctx context.Context) {
	sessions, err := l.Store.ActiveSessions(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.lifecycle").Msg("sweep scan failed")
		return
	}
	for _, snap := range sessions {
		l.sweepOne(ctx, snap.ID)
	}
}

func (l *Lifecycle) sweepOne(ctx context.Context, sessionID domain.SessionID) {
	var recheckAt time.Time
	err := l.Store.RunTransaction(ctx, func(tx store.Tx) error {
		recheckAt = time.Time{}
		s, err := tx.Session(sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := l.now()
		evicted := s.EvictStale(now, l.Cfg.StaleThreshold)

		if len(s.Participants) == 0 && s.IsTemporary {
			inactive := now.Sub(s.LastActivityAt) > l.Cfg.SweepInactivity
			if inactive && s.CanDelete(now) {
				log.Info().Str("module", "app.lifecycle").Str("session", string(sessionID)).Msg("swept inactive session")
				return tx.DeleteSession(sessionID)
			}
			if s.MarkedForDeletion == nil {
				t := now
				s.MarkedForDeletion = &t
			}
			recheckAt = s.ProtectedUntil()
			if buffered := now.Add(l.Cfg.DeletionBuffer); buffered.After(recheckAt) {
				recheckAt = buffered
			}
			return tx.PutSession(s)
		}
		if len(evicted) > 0 {
			return tx.PutSession(s)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.lifecycle").Str("session", string(sessionID)).Msg("sweep failed for session")
		return
	}
	if !recheckAt.IsZero() {
		l.Sched.Schedule(sessionID, recheckAt)
	}
}

// RunSweep drives periodic sweeps until ctx is done.
func (l *Lifecycle) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(l.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// track arms the per-user heartbeat timer, replacing any previous one.
func (l *Lifecycle) track(sessionID domain.SessionID, identity domain.UserID) {
	hbCtx, cancel := context.WithCancel(l.root)
	l.mu.Lock()
	if prev, ok := l.active[identity]; ok {
		prev.cancel()
	}
	l.active[identity] = &memberState{sessionID: sessionID, cancel: cancel}
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(l.Cfg.SessionHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := l.Heartbeat(hbCtx, sessionID, identity)
				if errors.Is(err, store.ErrNotFound) {
					// Session vanished or we were evicted; stop beating.
					l.untrack(identity)
					return
				}
				if err != nil {
					log.Warn().Err(err).Str("module", "app.lifecycle").Str("session", string(sessionID)).Msg("heartbeat failed")
				}
			}
		}
	}()
}

func (l *Lifecycle) untrack(identity domain.UserID) {
	l.mu.Lock()
	if st, ok := l.active[identity]; ok {
		st.cancel()
		delete(l.active, identity)
	}
	l.mu.Unlock()
}

// ActiveRoom reports the locally tracked session for a user, if any.
func (l *Lifecycle) ActiveRoom(identity domain.UserID) (domain.SessionID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.active[identity]
	if !ok {
		return "", false
	}
	return st.sessionID, true
}
