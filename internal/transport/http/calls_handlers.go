package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdeckhq/opsdeck/internal/call"
	"github.com/opsdeckhq/opsdeck/internal/history"
)

// Calls is the slice of the call manager the control API needs.
type Calls interface {
	Start(ctx context.Context, peer string, mode call.Mode) (*call.Session, error)
	Get(id string) (*call.Session, error)
	Accept(ctx context.Context, id string) error
	Decline(ctx context.Context, id string) error
	Hangup(ctx context.Context, id string) error
	Active() []*call.Session
}

// RemoteCalls lists call records persisted in the hosted backend's calls
// table, covering calls placed from any of the user's devices.
type RemoteCalls interface {
	RecentCalls(ctx context.Context, userID string, limit int) ([]call.Record, error)
}

// CallsHandlers provides HTTP handlers for call control endpoints.
type CallsHandlers struct {
	calls  Calls
	hist   history.Store
	remote RemoteCalls
	userID string
	log    *zerolog.Logger
}

// NewCallsHandlers creates a new calls handlers instance. remote may be
// nil; the backend history source is then unavailable.
func NewCallsHandlers(calls Calls, hist history.Store, remote RemoteCalls, userID string, logger *zerolog.Logger) *CallsHandlers {
	return &CallsHandlers{calls: calls, hist: hist, remote: remote, userID: userID, log: logger}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartCallRequest represents the request body for placing a call.
type StartCallRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
	Mode   string `json:"mode"`
}

// SessionResponse represents a call session in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	PeerID    string `json:"peer_id"`
	Mode      string `json:"mode"`
	Role      string `json:"role"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	Error     string `json:"error,omitempty"`
}

func sessionToResponse(s *call.Session) SessionResponse {
	resp := SessionResponse{
		ID:        s.ID(),
		PeerID:    s.Peer(),
		Mode:      string(s.Mode()),
		Role:      s.Role().String(),
		State:     s.State().String(),
		CreatedAt: s.CreatedAt().Format("2006-01-02T15:04:05Z07:00"),
	}
	if err := s.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// Start places an outgoing call.
// POST /api/calls/start
func (h *CallsHandlers) Start(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid start call request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	mode := call.Mode(req.Mode)
	if mode == "" {
		mode = call.ModeVoice
	}
	switch mode {
	case call.ModeVoice, call.ModeVideo, call.ModePushToTalk:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown call mode"})
		return
	}

	sess, err := h.calls.Start(c.Request.Context(), req.PeerID, mode)
	if err != nil {
		switch {
		case errors.Is(err, call.ErrBusy):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "already in a call"})
		case errors.Is(err, call.ErrMediaAccessDenied):
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "media access denied"})
		case errors.Is(err, call.ErrSignalingUnavailable):
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "signaling unavailable"})
		default:
			h.log.Error().Err(err).Str("peer_id", req.PeerID).Msg("failed to start call")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	h.log.Info().Str("call_id", sess.ID()).Str("peer_id", req.PeerID).Msg("call started")
	c.JSON(http.StatusCreated, sessionToResponse(sess))
}

// GetCall returns one session by id.
// GET /api/calls/:id
func (h *CallsHandlers) GetCall(c *gin.Context) {
	sess, err := h.calls.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "call not found"})
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// ListActive returns every non-terminal session.
// GET /api/calls
func (h *CallsHandlers) ListActive(c *gin.Context) {
	sessions := h.calls.Active()
	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, resp)
}

// Accept answers a ringing incoming call.
// POST /api/calls/:id/accept
func (h *CallsHandlers) Accept(c *gin.Context) {
	h.terminate(c, h.calls.Accept, "accept")
}

// Decline rejects a ringing incoming call.
// POST /api/calls/:id/decline
func (h *CallsHandlers) Decline(c *gin.Context) {
	h.terminate(c, h.calls.Decline, "decline")
}

// Hangup ends a call from this side.
// POST /api/calls/:id/hangup
func (h *CallsHandlers) Hangup(c *gin.Context) {
	h.terminate(c, h.calls.Hangup, "hangup")
}

func (h *CallsHandlers) terminate(c *gin.Context, op func(context.Context, string) error, name string) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, call.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "call not found"})
		case errors.Is(err, call.ErrNotRinging):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "call is not ringing"})
		case errors.Is(err, call.ErrMediaAccessDenied):
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "media access denied"})
		case errors.Is(err, call.ErrSignalingUnavailable):
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "signaling unavailable"})
		default:
			h.log.Error().Err(err).Str("call_id", id).Str("op", name).Msg("call operation failed")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// History lists recent finished calls. The default source is the local
// store; ?source=backend reads the hosted backend's calls table instead,
// which also covers calls made from the user's other devices.
// GET /api/calls/history
func (h *CallsHandlers) History(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	switch c.Query("source") {
	case "", "local":
	case "backend":
		h.backendHistory(c, limit)
		return
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown history source"})
		return
	}

	entries, err := h.hist.List(c.Request.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load call history")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *CallsHandlers) backendHistory(c *gin.Context, limit int) {
	if h.remote == nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend history unavailable"})
		return
	}
	recs, err := h.remote.RecentCalls(c.Request.Context(), h.userID, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load backend call history")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend history unavailable"})
		return
	}
	if recs == nil {
		recs = []call.Record{}
	}
	c.JSON(http.StatusOK, recs)
}
