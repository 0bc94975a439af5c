package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

// ActivitySink receives freshly emitted activity entries, e.g. a
// websocket feed. Delivery is fire-and-forget.
type ActivitySink interface {
	Publish(e *domain.ActivityEntry)
}

// PresenceVault is the cross-session presence directory. It owns the
// PresenceRecord documents: current-session pointer, online liveness with
// its own heartbeat, the privacy filter and ghost mode, and the
// short-lived activity feed shown to a user's social graph.
type PresenceVault struct {
	Store store.Store
	Cfg   *config.Config
	Sink  ActivitySink

	mu    sync.Mutex
	beats map[domain.UserID]context.CancelFunc

	clock func() time.Time
}

func NewPresenceVault(st store.Store, cfg *config.Config) *PresenceVault {
	return &PresenceVault{
		Store: st,
		Cfg:   cfg,
		beats: make(map[domain.UserID]context.CancelFunc),
		clock: time.Now,
	}
}

func (v *PresenceVault) now() time.Time {
	if v.clock != nil {
		return v.clock()
	}
	return time.Now()
}

// record loads the user's presence record, creating a blank one on first
// activity. Records are never hard-deleted; they go offline instead.
func (v *PresenceVault) record(ctx context.Context, uid domain.UserID) (*domain.PresenceRecord, error) {
	rec, err := v.Store.Presence(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		role := domain.RoleUser
		if string(uid) != "" && string(uid) == v.Cfg.AdminUserID {
			role = domain.RoleAdmin
		}
		return &domain.PresenceRecord{UserID: uid, Role: role, Status: domain.StatusIdle}, nil
	}
	return rec, err
}

// SetPresence updates the current-session pointer. A nil sessionID marks
// the user as between rooms, not offline.
func (v *PresenceVault) SetPresence(ctx context.Context, uid domain.UserID, sessionID *domain.SessionID, sessionName string) error {
	rec, err := v.record(ctx, uid)
	if err != nil {
		return err
	}
	rec.SessionID = sessionID
	rec.SessionName = sessionName
	if sessionID != nil {
		rec.Status = domain.StatusInRoom
	} else {
		rec.Status = domain.StatusIdle
	}
	rec.Online = true
	rec.LastSeen = v.now()
	return v.Store.PutPresence(ctx, rec)
}

// SyncJoin points the record at the joined session and emits a
// short-lived activity entry to the social graph, suppressed entirely in
// ghost mode.
func (v *PresenceVault) SyncJoin(ctx context.Context, uid domain.UserID, s *domain.Session) error {
	rec, err := v.record(ctx, uid)
	if err != nil {
		return err
	}
	id := s.ID
	rec.SessionID = &id
	rec.SessionName = s.Name
	rec.Status = domain.StatusInRoom
	rec.Online = true
	rec.LastSeen = v.now()
	if err := v.Store.PutPresence(ctx, rec); err != nil {
		return err
	}

	if rec.GhostMode {
		return nil
	}
	entry := &domain.ActivityEntry{
		ID:          uuid.NewString(),
		Actor:       uid,
		SessionID:   s.ID,
		SessionName: s.Name,
		CreatedAt:   rec.LastSeen,
		ExpiresAt:   rec.LastSeen.Add(v.Cfg.ActivityTTL),
	}
	if err := v.Store.PutActivity(ctx, entry); err != nil {
		return fmt.Errorf("activity broadcast: %w", err)
	}
	if v.Sink != nil {
		v.Sink.Publish(entry)
	}
	return nil
}

func (v *PresenceVault) SyncLeave(ctx context.Context, uid domain.UserID) error {
	return v.SetPresence(ctx, uid, nil, "")
}

// Touch refreshes liveness only.
func (v *PresenceVault) Touch(ctx context.Context, uid domain.UserID) error {
	rec, err := v.record(ctx, uid)
	if err != nil {
		return err
	}
	rec.Online = true
	rec.LastSeen = v.now()
	return v.Store.PutPresence(ctx, rec)
}

// GetPresence renders target's presence as seen by viewer, applying the
// two privacy rules: a private user's session pointer is visible only to
// admins, and a ghost is invisible to every viewer but themselves while
// retaining their own full visibility.
func (v *PresenceVault) GetPresence(ctx context.Context, target, viewer domain.UserID) (*domain.PresenceView, error) {
	rec, err := v.Store.Presence(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.GhostMode && target != viewer {
		return nil, nil
	}

	now := v.now()
	online := rec.Online && now.Sub(rec.LastSeen) <= v.Cfg.PresenceOffline
	view := &domain.PresenceView{
		UserID:      rec.UserID,
		Online:      online,
		Status:      rec.Status,
		SessionID:   rec.SessionID,
		SessionName: rec.SessionName,
		LastSeen:    rec.LastSeen,
	}
	if !online {
		view.Status = domain.StatusOffline
	}

	if rec.Private && target != viewer {
		viewerRec, err := v.Store.Presence(ctx, viewer)
		if err != nil || viewerRec.Role != domain.RoleAdmin {
			view.SessionID = nil
			view.SessionName = ""
			view.SessionHidden = true
		}
	}
	return view, nil
}

// SetGhostMode toggles invisibility. Only the elevated role may ghost.
func (v *PresenceVault) SetGhostMode(ctx context.Context, uid domain.UserID, on bool) error {
	rec, err := v.record(ctx, uid)
	if err != nil {
		return err
	}
	if rec.Role != domain.RoleAdmin {
		return fmt.Errorf("ghost mode requires the admin role")
	}
	rec.GhostMode = on
	log.Info().Str("module", "app.presence").Str("user", string(uid)).Bool("ghost", on).Msg("ghost mode changed")
	return v.Store.PutPresence(ctx, rec)
}

// SetPrivacy hides or reveals the user's session pointer to ordinary
// viewers.
func (v *PresenceVault) SetPrivacy(ctx context.Context, uid domain.UserID, private bool) error {
	rec, err := v.record(ctx, uid)
	if err != nil {
		return err
	}
	rec.Private = private
	return v.Store.PutPresence(ctx, rec)
}

// RecentActivity lists unexpired activity from the viewer's social graph.
func (v *PresenceVault) RecentActivity(ctx context.Context, graph []domain.UserID) ([]*domain.ActivityEntry, error) {
	return v.Store.RecentActivity(ctx, graph, v.now())
}

// StartHeartbeat arms the independent presence heartbeat for a user.
func (v *PresenceVault) StartHeartbeat(uid domain.UserID) {
	ctx, cancel := context.WithCancel(context.Background())
	v.mu.Lock()
	if prev, ok := v.beats[uid]; ok {
		prev()
	}
	v.beats[uid] = cancel
	v.mu.Unlock()

	go func() {
		ticker := time.NewTicker(v.Cfg.PresenceHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := v.Touch(ctx, uid); err != nil {
					log.Warn().Err(err).Str("module", "app.presence").Str("user", string(uid)).Msg("presence heartbeat failed")
				}
			}
		}
	}()
}

func (v *PresenceVault) StopHeartbeat(uid domain.UserID) {
	v.mu.Lock()
	if cancel, ok := v.beats[uid]; ok {
		cancel()
		delete(v.beats, uid)
	}
	v.mu.Unlock()
}
