package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/storage"
	"github.com/saker-ai/voice-relay/internal/talk"
)

// SessionController is the slice of the talk manager the routes drive.
type SessionController interface {
	Start(ctx context.Context, req talk.StartRequest) (talk.SessionInfo, error)
	Stop(guildID string) error
	Sessions() []talk.SessionInfo
	Session(guildID string) (talk.SessionInfo, error)
}

// Options configures the router. TranscriptDir empty disables the
// transcript routes.
type Options struct {
	Sessions      SessionController
	TranscriptDir string
	StartTimeout  time.Duration
	Logger        *zap.Logger
}

// NewRouter builds the control surface.
func NewRouter(opts Options) *gin.Engine {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(opts.Logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{opts: opts}
	router.GET("/sessions", h.listSessions)
	router.POST("/sessions", h.startSession)
	router.GET("/sessions/:guild_id", h.getSession)
	router.DELETE("/sessions/:guild_id", h.stopSession)

	if opts.TranscriptDir != "" {
		router.GET("/transcripts/:guild_id", h.listTranscripts)
		router.GET("/transcripts/:guild_id/:uid", h.getTranscript)
		router.DELETE("/transcripts/:guild_id/:uid", h.deleteTranscript)
	}
	return router
}

type handlers struct {
	opts Options
}

func (h *handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.opts.Sessions.Sessions()})
}

func (h *handlers) startSession(c *gin.Context) {
	var req talk.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.StartTimeout)
	defer cancel()

	info, err := h.opts.Sessions.Start(ctx, req)
	switch {
	case errors.Is(err, talk.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		if h.opts.Logger != nil {
			h.opts.Logger.Warn("start session failed", zap.String("guild_id", req.GuildID), zap.Error(err))
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, info)
	}
}

func (h *handlers) getSession(c *gin.Context) {
	info, err := h.opts.Sessions.Session(c.Param("guild_id"))
	if errors.Is(err, talk.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handlers) stopSession(c *gin.Context) {
	err := h.opts.Sessions.Stop(c.Param("guild_id"))
	if errors.Is(err, talk.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listTranscripts(c *gin.Context) {
	list := storage.ListTranscripts(h.opts.TranscriptDir, c.Param("guild_id"))
	c.JSON(http.StatusOK, gin.H{"transcripts": list})
}

func (h *handlers) getTranscript(c *gin.Context) {
	entries, err := storage.GetTranscript(h.opts.TranscriptDir, c.Param("guild_id"), c.Param("uid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *handlers) deleteTranscript(c *gin.Context) {
	if !storage.DeleteTranscript(h.opts.TranscriptDir, c.Param("guild_id"), c.Param("uid")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
		)
	}
}
