package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/domain"
)

// attemptLock is an instance-owned mutex with a scoped release. Acquire
// hands back a release closure that is safe to defer and idempotent, so
// no exit path can leave the lock held.
type attemptLock struct {
	mu   sync.Mutex
	held bool
}

func (l *attemptLock) Acquire() (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false
	}
	l.held = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
	}, true
}

type cacheEntry struct {
	sessionID domain.SessionID
	name      string
	storedAt  time.Time
}

// clientState is the gate's bookkeeping for one identity. lastAttempt is
// only touched while that client's attemptLock is held.
type clientState struct {
	lock        attemptLock
	lastAttempt time.Time
}

// RequestGate wraps the coordinator with a per-client triple defense:
// an in-flight mutex, a cooldown window, and a short-TTL idempotency
// cache keyed by identity and coarse location bucket. Every piece of
// state is keyed by identity, so one client's attempt never throttles
// another. Its job is to break join loops: within the TTL/cooldown
// window repeated calls converge on one session. Everything here is
// process-local and never a substitute for store-level consistency.
type RequestGate struct {
	Coord *Coordinator

	cooldown time.Duration
	ttl      time.Duration
	mu       sync.Mutex
	clients  map[domain.UserID]*clientState
	cache    map[string]cacheEntry

	clock func() time.Time
}

func NewRequestGate(coord *Coordinator) *RequestGate {
	return &RequestGate{
		Coord:    coord,
		cooldown: coord.Cfg.JoinCooldown,
		ttl:      coord.Cfg.IdempotencyTTL,
		clients:  make(map[domain.UserID]*clientState),
		cache:    make(map[string]cacheEntry),
		clock:    time.Now,
	}
}

func (g *RequestGate) client(identity domain.UserID) *clientState {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.clients[identity]
	if !ok {
		cs = &clientState{}
		g.clients[identity] = cs
	}
	return cs
}

// FindOrCreate is the client entry point. Overlapping calls and calls
// inside the cooldown window return ErrRateLimited without touching the
// store; a fresh cache hit short-circuits to the previously resolved
// session after verifying it is still live.
func (g *RequestGate) FindOrCreate(ctx context.Context, identity domain.UserID, displayName string, coords domain.Coordinates) (JoinOutcome, error) {
	cs := g.client(identity)
	release, ok := cs.lock.Acquire()
	if !ok {
		return JoinOutcome{}, domain.ErrRateLimited
	}
	defer release()

	now := g.clock()
	if !cs.lastAttempt.IsZero() && now.Sub(cs.lastAttempt) < g.cooldown {
		return JoinOutcome{}, domain.ErrRateLimited
	}
	cs.lastAttempt = now

	key := cacheKey(identity, coords)
	g.mu.Lock()
	entry, hit := g.cache[key]
	g.mu.Unlock()

	if hit && now.Sub(entry.storedAt) < g.ttl {
		if g.verifyLive(ctx, entry.sessionID) {
			log.Debug().Str("module", "app.gate").Str("session", string(entry.sessionID)).Msg("idempotency cache hit")
			return JoinOutcome{SessionID: entry.sessionID, Name: entry.name, WasCreated: false}, nil
		}
		g.Invalidate(identity, coords.Bucket())
	}

	out, err := g.Coord.GetOrCreate(ctx, identity, displayName, coords)
	if err != nil {
		return JoinOutcome{}, err
	}
	if out.Code == domain.CodeNone {
		g.mu.Lock()
		g.cache[key] = cacheEntry{sessionID: out.SessionID, name: out.Name, storedAt: now}
		g.mu.Unlock()
	}
	return out, nil
}

// Invalidate drops the cached resolution for one identity and bucket,
// typically after that user leaves the session.
func (g *RequestGate) Invalidate(identity domain.UserID, bucket string) {
	g.mu.Lock()
	delete(g.cache, string(identity)+"|"+bucket)
	g.mu.Unlock()
}

func (g *RequestGate) verifyLive(ctx context.Context, id domain.SessionID) bool {
	s, err := g.Coord.Store.Session(ctx, id)
	return err == nil && s.IsActive
}

func cacheKey(identity domain.UserID, coords domain.Coordinates) string {
	return string(identity) + "|" + coords.Bucket()
}
