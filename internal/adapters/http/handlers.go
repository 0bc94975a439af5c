package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/adapters/ws"
	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/store"
)

// API bundles the engine services behind the HTTP surface.
type API struct {
	Gate  *app.RequestGate
	Rooms *app.Lifecycle
	Vault *app.PresenceVault
	Store store.Store
	Feed  *ws.FeedHub
}

type findOrCreateRequest struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"display_name"`
}

func identity(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString("client_token"))
}

// writeEngineError maps hard failures to user-facing responses. A rate
// limit reads as "please wait"; a consistency violation reads as a
// generic retryable failure, never as a success.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "please wait a moment before trying again"})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "someone beat you to it, try again"})
	case errors.Is(err, domain.ErrConsistencyViolation):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure, please try again"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func codeStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeCapacity:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func (a *API) handleFindOrCreate(c *gin.Context) {
	var req findOrCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	out, err := a.Gate.FindOrCreate(c.Request.Context(), identity(c), req.DisplayName, domain.Coordinates{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if out.Code != domain.CodeNone {
		c.JSON(codeStatus(out.Code), gin.H{"code": out.Code})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) handleJoin(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	_ = c.ShouldBindJSON(&req)
	res, err := a.Rooms.Join(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c), req.DisplayName)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(codeStatus(res.Code), res)
}

func (a *API) handleLeave(c *gin.Context) {
	if err := a.Rooms.Leave(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c)); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type roomInfo struct {
	ID               domain.SessionID `json:"id"`
	Name             string           `json:"name"`
	ParticipantCount int              `json:"participant_count"`
	MaxParticipants  int              `json:"max_participants"`
}

func (a *API) handleListRooms(c *gin.Context) {
	sessions, err := a.Store.ActiveSessions(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("list rooms failed")
		writeEngineError(c, err)
		return
	}
	out := make([]roomInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, roomInfo{
			ID:               s.ID,
			Name:             s.Name,
			ParticipantCount: len(s.Participants),
			MaxParticipants:  s.MaxParticipants,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) handleGetPresence(c *gin.Context) {
	view, err := a.Vault.GetPresence(c.Request.Context(), domain.UserID(c.Param("id")), identity(c))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no presence"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleSetPresence points the caller's record at a session, or at
// nothing when session_id is absent.
func (a *API) handleSetPresence(c *gin.Context) {
	var req struct {
		SessionID   *domain.SessionID `json:"session_id"`
		SessionName string            `json:"session_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := a.Vault.SetPresence(c.Request.Context(), identity(c), req.SessionID, req.SessionName); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleSetPrivacy(c *gin.Context) {
	var req struct {
		Private bool `json:"private"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := a.Vault.SetPrivacy(c.Request.Context(), identity(c), req.Private); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleSetGhost(c *gin.Context) {
	var req struct {
		Ghost bool `json:"ghost"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := a.Vault.SetGhostMode(c.Request.Context(), identity(c), req.Ghost); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleActivity returns recent activity from the comma-separated graph
// the client follows. The social graph itself lives outside the engine.
func (a *API) handleActivity(c *gin.Context) {
	var graph []domain.UserID
	if raw := c.Query("graph"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				graph = append(graph, domain.UserID(part))
			}
		}
	}
	entries, err := a.Vault.RecentActivity(c.Request.Context(), graph)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
