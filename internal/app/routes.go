package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *Application) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(a.Logger))

	g.GET("/healthz", a.handleHealth)

	internal := g.Group("/internal", requireDispatchSecret(a.Config.DispatchSecret))
	{
		internal.POST("/dispatch/run", a.handleDispatchRun)
		internal.GET("/dispatch/run", a.handleDispatchRun)
	}

	authGroup := g.Group("/auth", requireUser())
	{
		authGroup.GET("/connect", a.handleConnect)
		authGroup.GET("/callback", a.handleAuthCallback)
		authGroup.GET("/status", a.handleAuthStatus)
		authGroup.DELETE("/connection", a.handleDisconnect)
	}

	api := g.Group("/api", requireUser())
	{
		api.POST("/posts", a.handleCreatePost)
		api.GET("/posts", a.handleListPosts)
		api.DELETE("/posts/:id", a.handleDeletePost)
		api.POST("/posts/:id/retry", a.handleRetryPost)
	}

	g.NoRoute(func(c *gin.Context) {
		jsonError(c, http.StatusNotFound, errorCodeNotFound, "route not found")
	})

	return g
}
