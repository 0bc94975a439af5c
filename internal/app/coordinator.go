package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

// JoinOutcome is the result of a get-or-create attempt. Expected
// rejections travel in Code; hard failures come back as errors.
type JoinOutcome struct {
	SessionID  domain.SessionID `json:"session_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	WasCreated bool             `json:"was_created"`
	Code       domain.ErrorCode `json:"code,omitempty"`
}

// Coordinator performs the transactional get-or-create. Discovery is a
// dirty read; the commit re-validates everything inside one transaction
// and falls back to a fresh in-transaction scan when the candidate raced
// away. A brand-new session is written with its creator already in the
// roster, so there is no window where it exists without them.
type Coordinator struct {
	Store  store.Store
	Finder *Finder
	Cfg    *config.Config

	clock func() time.Time
}

func NewCoordinator(st store.Store, cfg *config.Config) *Coordinator {
	return &Coordinator{
		Store: st,
		Finder: &Finder{
			Store:     st,
			RadiusM:   cfg.SearchRadiusM,
			ScanLimit: cfg.CandidateScanLimit,
		},
		Cfg:   cfg,
		clock: time.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// GetOrCreate joins a nearby session or creates one with the requester as
// creator. Transaction aborts surface as ErrConcurrencyConflict and are
// not retried here; retry policy belongs to the request gate.
func (c *Coordinator) GetOrCreate(ctx context.Context, identity domain.UserID, displayName string, coords domain.Coordinates) (JoinOutcome, error) {
	if identity == "" {
		return JoinOutcome{Code: domain.CodeValidation}, nil
	}
	if !coords.Valid() {
		return JoinOutcome{Code: domain.CodeValidation}, nil
	}

	privileged := c.Cfg.AdminUserID != "" && string(identity) == c.Cfg.AdminUserID

	// Phase one: dirty scan. Errors here only cost us the hint.
	hint, err := c.Finder.Nearby(ctx, domain.SessionTypeAudio, coords, identity, privileged)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Msg("candidate scan failed, will create")
		hint = nil
	}

	var out JoinOutcome
	ghost := isGhost(ctx, c.Store, identity)

	// Phase two: commit or fallback, all inside one transaction.
	err = c.Store.RunTransaction(ctx, func(tx store.Tx) error {
		now := c.now()

		if hint != nil {
			fresh, err := tx.Session(hint.ID)
			if err == nil && c.joinable(fresh, identity) {
				return c.merge(tx, fresh, identity, displayName, ghost, now, &out)
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		// The hint was absent or raced away: re-enter discovery from
		// scratch with transactional reads.
		candidates, err := tx.RecentSessions(domain.SessionTypeAudio, c.Cfg.CandidateScanLimit)
		if err != nil {
			return err
		}
		if cand := pickCandidate(candidates, coords, identity, c.Cfg.SearchRadiusM, privileged); cand != nil && c.joinable(cand, identity) {
			return c.merge(tx, cand, identity, displayName, ghost, now, &out)
		}

		return c.create(tx, identity, displayName, coords, ghost, now, &out)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return JoinOutcome{}, domain.ErrConcurrencyConflict
		}
		return JoinOutcome{}, err
	}

	if out.WasCreated {
		if err := c.verifyCreate(ctx, out.SessionID); err != nil {
			return JoinOutcome{}, err
		}
	}
	return out, nil
}

func (c *Coordinator) joinable(s *domain.Session, identity domain.UserID) bool {
	if s == nil || !s.IsActive {
		return false
	}
	if s.AtCapacity() && string(identity) != c.Cfg.AdminUserID {
		return false
	}
	return true
}

func (c *Coordinator) merge(tx store.Tx, s *domain.Session, identity domain.UserID, displayName string, ghost bool, now time.Time, out *JoinOutcome) error {
	s.AddParticipant(newParticipant(identity, displayName, ghost, false, now), now)
	if err := tx.PutSession(s); err != nil {
		return err
	}
	*out = JoinOutcome{SessionID: s.ID, Name: s.Name, WasCreated: false}
	log.Info().Str("module", "app.coordinator").Str("session", string(s.ID)).Str("user", string(identity)).Msg("joined existing session")
	return nil
}

func (c *Coordinator) create(tx store.Tx, identity domain.UserID, displayName string, coords domain.Coordinates, ghost bool, now time.Time, out *JoinOutcome) error {
	bucket := coords.Bucket()
	s := &domain.Session{
		ID:                domain.SessionID(uuid.NewString()),
		Name:              domain.NameForBucket(bucket),
		Type:              domain.SessionTypeAudio,
		Participants:      []domain.Participant{newParticipant(identity, displayName, ghost, true, now)},
		MaxParticipants:   c.Cfg.MaxParticipants,
		Coordinates:       coords,
		LocationBucket:    bucket,
		CreatedAt:         now,
		LastActivityAt:    now,
		IsActive:          true,
		CreatorGraceUntil: now.Add(c.Cfg.CreatorGrace),
		MinAgeForDeletion: c.Cfg.DeletionBuffer,
		IsTemporary:       true,
	}
	if err := tx.PutSession(s); err != nil {
		return err
	}
	*out = JoinOutcome{SessionID: s.ID, Name: s.Name, WasCreated: true}
	log.Info().Str("module", "app.coordinator").Str("session", string(s.ID)).Str("user", string(identity)).Str("bucket", bucket).Msg("created session")
	return nil
}

// verifyCreate is the read-back check after a create commit. An empty
// roster here means the creator-embedded write did not hold: a real
// invariant break, fatal for this attempt and never silently retried.
func (c *Coordinator) verifyCreate(ctx context.Context, id domain.SessionID) error {
	s, err := c.Store.Session(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: session unreadable after create: %v", domain.ErrConsistencyViolation, err)
	}
	if len(s.Participants) == 0 {
		log.Error().Str("module", "app.coordinator").Str("session", string(id)).Msg("session created without creator")
		return domain.ErrConsistencyViolation
	}
	return nil
}

func newParticipant(identity domain.UserID, displayName string, ghost, creator bool, now time.Time) domain.Participant {
	if displayName == "" {
		displayName = "guest"
	}
	return domain.Participant{
		UserID:          identity,
		DisplayName:     displayName,
		JoinedAt:        now,
		LastActiveAt:    now,
		ConnectionState: domain.ConnConnected,
		IsGhost:         ghost,
		IsCreator:       creator,
	}
}

// isGhost is a best-effort presence lookup; an unreadable record just
// means a visible participant.
func isGhost(ctx context.Context, st store.Store, uid domain.UserID) bool {
	rec, err := st.Presence(ctx, uid)
	return err == nil && rec.GhostMode
}
