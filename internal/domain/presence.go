package domain

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type PresenceStatus string

const (
	StatusInRoom  PresenceStatus = "in_room"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is the cross-session directory entry for one identity.
// Records go stale instead of being deleted.
type PresenceRecord struct {
	UserID      UserID         `json:"user_id"`
	SessionID   *SessionID     `json:"session_id,omitempty"`
	SessionName string         `json:"session_name,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	Online      bool           `json:"online"`
	GhostMode   bool           `json:"ghost_mode"`
	Private     bool           `json:"private"`
	Role        Role           `json:"role"`
}

// PresenceView is what a viewer is allowed to see about a target.
// SessionID is nil when the pointer is hidden by the privacy rules.
type PresenceView struct {
	UserID        UserID         `json:"user_id"`
	Online        bool           `json:"online"`
	Status        PresenceStatus `json:"status"`
	SessionID     *SessionID     `json:"session_id,omitempty"`
	SessionName   string         `json:"session_name,omitempty"`
	SessionHidden bool           `json:"session_hidden,omitempty"`
	LastSeen      time.Time      `json:"last_seen"`
}

// ActivityEntry is a short-lived "joined a room" event shown to the
// actor's social graph.
type ActivityEntry struct {
	ID          string    `json:"id"`
	Actor       UserID    `json:"actor"`
	SessionID   SessionID `json:"session_id"`
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *ActivityEntry) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
