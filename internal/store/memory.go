package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Nearby/internal/domain"
)

// Memory is an in-process Store for tests and single-node runs.
// Transactions are serialized by one mutex, which trivially satisfies the
// serializability contract; staged writes apply only on commit.
type Memory struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	presence map[domain.UserID]*domain.PresenceRecord
	activity []*domain.ActivityEntry
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[domain.SessionID]*domain.Session),
		presence: make(map[domain.UserID]*domain.PresenceRecord),
	}
}

type memTx struct {
	m       *Memory
	puts    map[domain.SessionID]*domain.Session
	deletes map[domain.SessionID]bool
}

func (t *memTx) Session(id domain.SessionID) (*domain.Session, error) {
	if t.deletes[id] {
		return nil, ErrNotFound
	}
	if s, ok := t.puts[id]; ok {
		return s.Clone(), nil
	}
	s, ok := t.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (t *memTx) PutSession(s *domain.Session) error {
	delete(t.deletes, s.ID)
	t.puts[s.ID] = s.Clone()
	return nil
}

func (t *memTx) DeleteSession(id domain.SessionID) error {
	delete(t.puts, id)
	t.deletes[id] = true
	return nil
}

func (t *memTx) RecentSessions(typ domain.SessionType, limit int) ([]*domain.Session, error) {
	seen := make(map[domain.SessionID]bool)
	var out []*domain.Session
	for id, s := range t.puts {
		seen[id] = true
		if s.IsActive && s.Type == typ {
			out = append(out, s.Clone())
		}
	}
	for id, s := range t.m.sessions {
		if seen[id] || t.deletes[id] {
			continue
		}
		if s.IsActive && s.Type == typ {
			out = append(out, s.Clone())
		}
	}
	sortByRecency(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:       m,
		puts:    make(map[domain.SessionID]*domain.Session),
		deletes: make(map[domain.SessionID]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id := range tx.deletes {
		delete(m.sessions, id)
	}
	for id, s := range tx.puts {
		m.sessions[id] = s
	}
	return nil
}

func (m *Memory) Session(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) RecentSessions(ctx context.Context, typ domain.SessionType, limit int) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.IsActive && s.Type == typ {
			out = append(out, s.Clone())
		}
	}
	sortByRecency(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.IsActive {
			out = append(out, s.Clone())
		}
	}
	sortByRecency(out)
	return out, nil
}

func (m *Memory) Presence(ctx context.Context, id domain.UserID) (*domain.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.presence[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) PutPresence(ctx context.Context, rec *domain.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.presence[rec.UserID] = &cp
	return nil
}

func (m *Memory) PutActivity(ctx context.Context, e *domain.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.activity = append(m.activity, &cp)
	return nil
}

func (m *Memory) RecentActivity(ctx context.Context, actors []domain.UserID, now time.Time) ([]*domain.ActivityEntry, error) {
	want := make(map[domain.UserID]bool, len(actors))
	for _, a := range actors {
		want[a] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ActivityEntry
	for _, e := range m.activity {
		if e.Expired(now) || !want[e.Actor] {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortByRecency(ss []*domain.Session) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].CreatedAt.After(ss[j].CreatedAt) })
}
