package app

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/domain"
)

// deleteCheck is one pending delete-if-still-empty probe.
type deleteCheck struct {
	sessionID domain.SessionID
	notBefore time.Time
	index     int
}

type checkHeap []*deleteCheck

func (h checkHeap) Len() int            { return len(h) }
func (h checkHeap) Less(i, j int) bool  { return h[i].notBefore.Before(h[j].notBefore) }
func (h checkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *checkHeap) Push(x any)         { c := x.(*deleteCheck); c.index = len(*h); *h = append(*h, c) }
func (h *checkHeap) Pop() any           { old := *h; n := len(old); c := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return c }

// DeletionScheduler is the single timer for every delayed deletion: a
// priority queue keyed by {sessionID, notBefore}. The check callback must
// be idempotent (delete-if-still-empty), so firing from here and from the
// sweep cannot race into a double delete. Scheduling again for the same
// session supersedes the previous entry; a rejoin cancels it.
type DeletionScheduler struct {
	Check func(ctx context.Context, id domain.SessionID)

	mu      sync.Mutex
	q       checkHeap
	pending map[domain.SessionID]*deleteCheck
	wake    chan struct{}

	clock func() time.Time
}

func NewDeletionScheduler(check func(ctx context.Context, id domain.SessionID)) *DeletionScheduler {
	return &DeletionScheduler{
		Check:   check,
		pending: make(map[domain.SessionID]*deleteCheck),
		wake:    make(chan struct{}, 1),
		clock:   time.Now,
	}
}

func (d *DeletionScheduler) Schedule(id domain.SessionID, notBefore time.Time) {
	d.mu.Lock()
	if cur, ok := d.pending[id]; ok {
		cur.notBefore = notBefore
		heap.Fix(&d.q, cur.index)
	} else {
		c := &deleteCheck{sessionID: id, notBefore: notBefore}
		d.pending[id] = c
		heap.Push(&d.q, c)
	}
	d.mu.Unlock()
	d.poke()
	log.Debug().Str("module", "app.scheduler").Str("session", string(id)).Time("not_before", notBefore).Msg("deletion check scheduled")
}

func (d *DeletionScheduler) Cancel(id domain.SessionID) {
	d.mu.Lock()
	if c, ok := d.pending[id]; ok {
		heap.Remove(&d.q, c.index)
		delete(d.pending, id)
		log.Debug().Str("module", "app.scheduler").Str("session", string(id)).Msg("deletion check cancelled")
	}
	d.mu.Unlock()
}

// Pending reports whether a check is queued for the session.
func (d *DeletionScheduler) Pending(id domain.SessionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// PopDue removes and returns every check whose notBefore has passed.
func (d *DeletionScheduler) PopDue(now time.Time) []domain.SessionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	var due []domain.SessionID
	for d.q.Len() > 0 && !d.q[0].notBefore.After(now) {
		c := heap.Pop(&d.q).(*deleteCheck)
		delete(d.pending, c.sessionID)
		due = append(due, c.sessionID)
	}
	return due
}

// Run services the queue until ctx is done. One goroutine, one timer.
func (d *DeletionScheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var wait time.Duration = time.Hour
		if d.q.Len() > 0 {
			wait = d.q[0].notBefore.Sub(d.clock())
			if wait < 0 {
				wait = 0
			}
		}
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.scheduler").Msg("scheduler stopped")
			return
		case <-d.wake:
		case <-timer.C:
			for _, id := range d.PopDue(d.clock()) {
				d.Check(ctx, id)
			}
		}
	}
}

func (d *DeletionScheduler) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
