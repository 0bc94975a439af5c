// Package store defines the transactional document store the engine is
// built on: point reads and writes, serializable read-modify-write
// transactions scoped to the documents touched, and eventually-consistent
// range queries used only for candidate discovery.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Nearby/internal/domain"
)

var (
	ErrNotFound = errors.New("store: document not found")
	ErrConflict = errors.New("store: transaction conflict")
)

// Tx is the view inside RunTransaction. Reads return private copies;
// writes become visible only when the transaction commits.
type Tx interface {
	Session(id domain.SessionID) (*domain.Session, error)
	PutSession(s *domain.Session) error
	DeleteSession(id domain.SessionID) error

	// RecentSessions re-runs candidate discovery inside the transaction,
	// so a create fallback never has to trust a stale pre-scan.
	RecentSessions(typ domain.SessionType, limit int) ([]*domain.Session, error)
}

type Store interface {
	// RunTransaction executes fn atomically. A conflicting concurrent
	// writer aborts the transaction with ErrConflict; fn returning an
	// error discards all staged writes.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	Session(ctx context.Context, id domain.SessionID) (*domain.Session, error)

	// RecentSessions returns active sessions of typ ordered by creation
	// time, newest first. Eventual consistency only.
	RecentSessions(ctx context.Context, typ domain.SessionType, limit int) ([]*domain.Session, error)

	// ActiveSessions lists every active session, for the global sweep.
	ActiveSessions(ctx context.Context) ([]*domain.Session, error)

	Presence(ctx context.Context, id domain.UserID) (*domain.PresenceRecord, error)
	PutPresence(ctx context.Context, rec *domain.PresenceRecord) error

	PutActivity(ctx context.Context, e *domain.ActivityEntry) error
	// RecentActivity returns unexpired entries from the given actors,
	// newest first.
	RecentActivity(ctx context.Context, actors []domain.UserID, now time.Time) ([]*domain.ActivityEntry, error)

	Close() error
}
