package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a stable identity cookie on every client.
// The token doubles as the engine's UserID; real authentication is an
// external collaborator.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, api *API) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("NearbySessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	apiGroup := r.Group("/api")

	apiGroup.POST("/rooms/find-or-create", api.handleFindOrCreate)
	apiGroup.POST("/rooms/:id/join", api.handleJoin)
	apiGroup.POST("/rooms/:id/leave", api.handleLeave)
	apiGroup.GET("/rooms", api.handleListRooms)

	apiGroup.GET("/presence/:id", api.handleGetPresence)
	apiGroup.POST("/presence", api.handleSetPresence)
	apiGroup.POST("/presence/privacy", api.handleSetPrivacy)
	apiGroup.POST("/presence/ghost", api.handleSetGhost)
	apiGroup.GET("/activity", api.handleActivity)

	if api.Feed != nil {
		apiGroup.GET("/ws/activity", api.Feed.HandleActivity)
	}

	return r
}
