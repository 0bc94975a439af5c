// Package domain contains the entities of the room lifecycle engine.
// Entities carry their own invariants but no store or transport logic.
package domain

import "time"

type (
	SessionID   string
	UserID      string
	SessionType string
)

const SessionTypeAudio SessionType = "audio"

// SessionState is derived from the session document, never stored.
type SessionState string

const (
	StateActive             SessionState = "active"
	StateEmptyPendingDelete SessionState = "empty_pending_delete"
	StateDeleted            SessionState = "deleted"
)

type ConnectionState string

const (
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
)

// Participant is one user's membership inside a session.
type Participant struct {
	UserID          UserID          `json:"user_id"`
	DisplayName     string          `json:"display_name"`
	Level           int             `json:"level"`
	IsAnonymous     bool            `json:"is_anonymous"`
	IsMuted         bool            `json:"is_muted"`
	IsSpeaking      bool            `json:"is_speaking"`
	JoinedAt        time.Time       `json:"joined_at"`
	LastActiveAt    time.Time       `json:"last_active_at"`
	ConnectionState ConnectionState `json:"connection_state"`
	IsGhost         bool            `json:"is_ghost"`
	IsCreator       bool            `json:"is_creator"`
}

// Session is an ephemeral, location-scoped room. The document is the unit
// of mutual exclusion: it must only be mutated through a store transaction.
type Session struct {
	ID                SessionID     `json:"id"`
	Name              string        `json:"name"`
	Type              SessionType   `json:"type"`
	Participants      []Participant `json:"participants"`
	MaxParticipants   int           `json:"max_participants"`
	Coordinates       Coordinates   `json:"coordinates"`
	LocationBucket    string        `json:"location_bucket"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	IsActive          bool          `json:"is_active"`
	CreatorGraceUntil time.Time     `json:"creator_grace_until"`
	MinAgeForDeletion time.Duration `json:"min_age_for_deletion"`
	MarkedForDeletion *time.Time    `json:"marked_for_deletion,omitempty"`
	IsTemporary       bool          `json:"is_temporary"`
}

func (s *Session) IsPermanent() bool { return !s.IsTemporary }

func (s *Session) Age(now time.Time) time.Duration { return now.Sub(s.CreatedAt) }

// CanDelete reports whether the session may be removed right now.
// Grace period and minimum age both protect it regardless of occupancy.
func (s *Session) CanDelete(now time.Time) bool {
	if s.IsPermanent() {
		return false
	}
	if len(s.Participants) > 0 {
		return false
	}
	if now.Before(s.CreatorGraceUntil) {
		return false
	}
	if s.Age(now) < s.MinAgeForDeletion {
		return false
	}
	return true
}

// ProtectedUntil is the earliest instant at which an empty session
// becomes deletable.
func (s *Session) ProtectedUntil() time.Time {
	t := s.CreatorGraceUntil
	if minAge := s.CreatedAt.Add(s.MinAgeForDeletion); minAge.After(t) {
		t = minAge
	}
	return t
}

func (s *Session) State() SessionState {
	if len(s.Participants) == 0 && s.MarkedForDeletion != nil {
		return StateEmptyPendingDelete
	}
	return StateActive
}

func (s *Session) AtCapacity() bool {
	return len(s.Participants) >= s.MaxParticipants
}

func (s *Session) HasParticipant(uid UserID) bool {
	_, ok := s.Participant(uid)
	return ok
}

func (s *Session) Participant(uid UserID) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == uid {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// AddParticipant merges p into the roster, unique by UserID. Re-adding an
// existing user refreshes liveness instead of duplicating the entry.
// Joining also clears any pending deletion mark.
func (s *Session) AddParticipant(p Participant, now time.Time) {
	if cur, ok := s.Participant(p.UserID); ok {
		cur.LastActiveAt = now
		cur.ConnectionState = ConnConnected
	} else {
		s.Participants = append(s.Participants, p)
	}
	s.MarkedForDeletion = nil
	s.LastActivityAt = now
}

func (s *Session) RemoveParticipant(uid UserID) bool {
	for i := range s.Participants {
		if s.Participants[i].UserID == uid {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// TouchParticipant refreshes a member's liveness timestamp.
func (s *Session) TouchParticipant(uid UserID, now time.Time) bool {
	p, ok := s.Participant(uid)
	if !ok {
		return false
	}
	p.LastActiveAt = now
	p.ConnectionState = ConnConnected
	s.LastActivityAt = now
	return true
}

// EvictStale drops participants whose heartbeat is older than threshold
// and returns their ids.
func (s *Session) EvictStale(now time.Time, threshold time.Duration) []UserID {
	var evicted []UserID
	kept := s.Participants[:0]
	for _, p := range s.Participants {
		if now.Sub(p.LastActiveAt) > threshold {
			evicted = append(evicted, p.UserID)
			continue
		}
		kept = append(kept, p)
	}
	s.Participants = kept
	return evicted
}

// Clone returns a deep copy so transactional reads can be mutated safely
// before commit.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = append([]Participant(nil), s.Participants...)
	if s.MarkedForDeletion != nil {
		t := *s.MarkedForDeletion
		cp.MarkedForDeletion = &t
	}
	return &cp
}
