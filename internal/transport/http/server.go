// Package http exposes the agent's local control API. It binds to
// loopback only; there is no authentication layer because nothing
// off-host can reach it.
package http

import (
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdeckhq/opsdeck/internal/history"
	"github.com/opsdeckhq/opsdeck/internal/service/chat"
	"github.com/opsdeckhq/opsdeck/internal/service/tasks"
)

// NewServer builds the control API server on addr. remote, tasksSvc and
// chatSvc may be nil; the backend history source and the workspace routes
// are then unavailable.
func NewServer(addr string, calls Calls, hist history.Store, remote RemoteCalls, userID string, tasksSvc *tasks.Service, chatSvc *chat.Service, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(LoggerMiddleware(logger), gin.Recovery())

	engine.GET("/healthz", healthHandler)

	ch := NewCallsHandlers(calls, hist, remote, userID, logger)
	api := engine.Group("/api")
	{
		api.GET("/calls", ch.ListActive)
		api.GET("/calls/history", ch.History)
		api.POST("/calls/start", ch.Start)
		api.GET("/calls/:id", ch.GetCall)
		api.POST("/calls/:id/accept", ch.Accept)
		api.POST("/calls/:id/decline", ch.Decline)
		api.POST("/calls/:id/hangup", ch.Hangup)
	}

	if tasksSvc != nil && chatSvc != nil {
		wh := NewWorkspaceHandlers(tasksSvc, chatSvc, logger)
		api.GET("/tasks", wh.ListTasks)
		api.POST("/tasks", wh.CreateTask)
		api.POST("/tasks/:id/move", wh.MoveTask)
		api.DELETE("/tasks/:id", wh.DeleteTask)
		api.GET("/channels/:id/messages", wh.ChannelHistory)
		api.POST("/channels/:id/messages", wh.SendMessage)
		api.POST("/channels/:id/typing", wh.NotifyTyping)
	}

	return &stdhttp.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

// LoggerMiddleware logs every request with method, path, status and latency.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("latency", fmt.Sprintf("%v", time.Since(start))).
			Msg("http request")
	}
}
