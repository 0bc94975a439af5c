package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

// fakeClock lets tests move time instead of sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	berlinA = domain.Coordinates{Lat: 52.5200, Lng: 13.4050}
	berlinB = domain.Coordinates{Lat: 52.5201, Lng: 13.4051} // ~15 m from berlinA
	munich  = domain.Coordinates{Lat: 48.1351, Lng: 11.5820}
)

type testEnv struct {
	store *store.Memory
	cfg   *config.Config
	clock *fakeClock
	coord *Coordinator
	gate  *RequestGate
	vault *PresenceVault
	rooms *Lifecycle
}

func newTestEnv() *testEnv {
	st := store.NewMemory()
	cfg := config.Default()
	clock := newFakeClock()

	coord := NewCoordinator(st, cfg)
	coord.clock = clock.Now

	gate := NewRequestGate(coord)
	gate.clock = clock.Now

	vault := NewPresenceVault(st, cfg)
	vault.clock = clock.Now

	rooms := NewLifecycle(st, cfg, vault)
	rooms.clock = clock.Now
	rooms.Sched.clock = clock.Now
	rooms.Invalidator = gate

	return &testEnv{store: st, cfg: cfg, clock: clock, coord: coord, gate: gate, vault: vault, rooms: rooms}
}

func (e *testEnv) mustCreate(ctx context.Context, uid domain.UserID, coords domain.Coordinates) JoinOutcome {
	out, err := e.coord.GetOrCreate(ctx, uid, "", coords)
	if err != nil {
		panic(err)
	}
	return out
}
