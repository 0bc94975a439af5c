package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

// Finder runs best-effort candidate discovery: a non-transactional scan
// over the most recently created active sessions. The result is a hint
// only; it may be stale by the time the coordinator commits.
type Finder struct {
	Store     store.Store
	RadiusM   float64
	ScanLimit int
}

// Nearby returns the first recent session within the radius that has room
// and does not already contain the requester, or nil when none qualifies.
// Scan order is creation recency, not distance. allowFull lets the
// privileged identity pick a session that is at capacity.
func (f *Finder) Nearby(ctx context.Context, typ domain.SessionType, coords domain.Coordinates, requester domain.UserID, allowFull bool) (*domain.Session, error) {
	candidates, err := f.Store.RecentSessions(ctx, typ, f.ScanLimit)
	if err != nil {
		return nil, err
	}
	return pickCandidate(candidates, coords, requester, f.RadiusM, allowFull), nil
}

// pickCandidate applies the same filter to a scan result regardless of
// whether it came from outside or inside a transaction.
func pickCandidate(candidates []*domain.Session, coords domain.Coordinates, requester domain.UserID, radiusM float64, allowFull bool) *domain.Session {
	for _, s := range candidates {
		if s.HasParticipant(requester) {
			continue
		}
		if s.AtCapacity() && !allowFull {
			continue
		}
		d := coords.DistanceM(s.Coordinates)
		if d > radiusM {
			continue
		}
		log.Debug().Str("module", "app.finder").Str("session", string(s.ID)).Float64("distance_m", d).Msg("candidate found")
		return s
	}
	return nil
}
