package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Nearby/internal/domain"
)

func TestSchedulerPopDueOrdering(t *testing.T) {
	d := NewDeletionScheduler(nil)
	base := time.Now()

	d.Schedule("late", base.Add(30*time.Second))
	d.Schedule("early", base.Add(5*time.Second))
	d.Schedule("future", base.Add(time.Hour))

	due := d.PopDue(base.Add(time.Minute))
	assert.Equal(t, []domain.SessionID{"early", "late"}, due)
	assert.True(t, d.Pending("future"))
	assert.False(t, d.Pending("early"))
}

func TestSchedulerSupersede(t *testing.T) {
	d := NewDeletionScheduler(nil)
	base := time.Now()

	d.Schedule("s1", base.Add(5*time.Second))
	d.Schedule("s1", base.Add(time.Minute)) // rejoin pushed the check out

	assert.Empty(t, d.PopDue(base.Add(10*time.Second)))
	assert.Equal(t, []domain.SessionID{"s1"}, d.PopDue(base.Add(2*time.Minute)))
}

func TestSchedulerCancel(t *testing.T) {
	d := NewDeletionScheduler(nil)
	base := time.Now()

	d.Schedule("s1", base)
	d.Cancel("s1")
	d.Cancel("s1") // cancelling twice is fine

	assert.Empty(t, d.PopDue(base.Add(time.Hour)))
	assert.False(t, d.Pending("s1"))
}

func TestSchedulerRunFiresCheck(t *testing.T) {
	fired := make(chan domain.SessionID, 4)
	d := NewDeletionScheduler(func(ctx context.Context, id domain.SessionID) {
		fired <- id
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	d.Schedule("s1", time.Now().Add(20*time.Millisecond))

	select {
	case id := <-fired:
		assert.Equal(t, domain.SessionID("s1"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled check never fired")
	}

	require.False(t, d.Pending("s1"))
	cancel()
	wg.Wait()
}

func TestSchedulerRunHonorsInjectedClock(t *testing.T) {
	clock := newFakeClock()
	fired := make(chan domain.SessionID, 4)
	d := NewDeletionScheduler(func(ctx context.Context, id domain.SessionID) {
		fired <- id
	})
	d.clock = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	// An hour out on the fake clock; no real waiting involved.
	d.Schedule("s1", clock.Now().Add(time.Hour))
	select {
	case id := <-fired:
		t.Fatalf("check for %s fired before its time", id)
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(2 * time.Hour)
	d.poke()

	select {
	case id := <-fired:
		assert.Equal(t, domain.SessionID("s1"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled check never fired after clock advance")
	}

	cancel()
	wg.Wait()
}
