package router

import (
	"github.com/gin-gonic/gin"

	"chatloop.dev/dispatch/internal/http/handler"
	"chatloop.dev/dispatch/internal/service"
)

type RouterConfig struct {
	// SelfSource is this service's event-source identity; matching inbound
	// events are dropped to prevent feedback loops.
	SelfSource string
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	eventHandler := handler.NewEventHandler(services.Responses(), cfg.SelfSource)
	router.POST("/events", eventHandler.Ingest)

	v1 := router.Group("/api/v1")
	{
		requestHandler := handler.NewRequestHandler(services.Orchestrator())
		v1.POST("/requests", requestHandler.Create)
		v1.GET("/requests/:id", requestHandler.Get)

		sessionHandler := handler.NewSessionHandler(services.Sessions(), services.SessionStore())
		v1.GET("/sessions/:id", sessionHandler.Get)
		v1.DELETE("/sessions/:id", sessionHandler.Deactivate)
	}
}
