package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdeckhq/opsdeck/internal/service/chat"
	"github.com/opsdeckhq/opsdeck/internal/service/tasks"
)

// WorkspaceHandlers provides HTTP handlers for the task board and channel
// messaging endpoints.
type WorkspaceHandlers struct {
	tasks *tasks.Service
	chat  *chat.Service
	log   *zerolog.Logger
}

// NewWorkspaceHandlers creates a new workspace handlers instance.
func NewWorkspaceHandlers(tasksSvc *tasks.Service, chatSvc *chat.Service, logger *zerolog.Logger) *WorkspaceHandlers {
	return &WorkspaceHandlers{tasks: tasksSvc, chat: chatSvc, log: logger}
}

// CreateTaskRequest represents the request body for creating a task.
type CreateTaskRequest struct {
	Title      string `json:"title" binding:"required"`
	Notes      string `json:"notes"`
	AssigneeID string `json:"assignee_id"`
}

// MoveTaskRequest represents the request body for moving a task.
type MoveTaskRequest struct {
	Status string `json:"status" binding:"required"`
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// ListTasks returns tasks, optionally filtered by ?status=.
// GET /api/tasks
func (h *WorkspaceHandlers) ListTasks(c *gin.Context) {
	list, err := h.tasks.List(c.Request.Context(), tasks.Status(c.Query("status")))
	if err != nil {
		if errors.Is(err, tasks.ErrBadStatus) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown task status"})
			return
		}
		h.log.Error().Err(err).Msg("failed to list tasks")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	c.JSON(http.StatusOK, list)
}

// CreateTask adds a task to the todo column.
// POST /api/tasks
func (h *WorkspaceHandlers) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), req.Title, req.Notes, req.AssigneeID)
	if err != nil {
		if errors.Is(err, tasks.ErrEmptyTitle) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "task title is empty"})
			return
		}
		h.log.Error().Err(err).Msg("failed to create task")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, task)
}

// MoveTask changes a task's board column.
// POST /api/tasks/:id/move
func (h *WorkspaceHandlers) MoveTask(c *gin.Context) {
	var req MoveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	task, err := h.tasks.Move(c.Request.Context(), c.Param("id"), tasks.Status(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrBadStatus):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown task status"})
		case errors.Is(err, tasks.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found"})
		default:
			h.log.Error().Err(err).Str("task_id", c.Param("id")).Msg("failed to move task")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task.
// DELETE /api/tasks/:id
func (h *WorkspaceHandlers) DeleteTask(c *gin.Context) {
	if err := h.tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.log.Error().Err(err).Str("task_id", c.Param("id")).Msg("failed to delete task")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ChannelHistory returns a channel's messages.
// GET /api/channels/:id/messages
func (h *WorkspaceHandlers) ChannelHistory(c *gin.Context) {
	msgs, err := h.chat.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Error().Err(err).Str("channel_id", c.Param("id")).Msg("failed to load messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// SendMessage posts a message to a channel.
// POST /api/channels/:id/messages
func (h *WorkspaceHandlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	msg, err := h.chat.Send(c.Request.Context(), c.Param("id"), req.Body)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyBody) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message body is empty"})
			return
		}
		h.log.Error().Err(err).Str("channel_id", c.Param("id")).Msg("failed to send message")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// NotifyTyping broadcasts a typing indicator on the channel topic.
// POST /api/channels/:id/typing
func (h *WorkspaceHandlers) NotifyTyping(c *gin.Context) {
	if err := h.chat.NotifyTyping(c.Request.Context(), c.Param("id")); err != nil {
		h.log.Warn().Err(err).Str("channel_id", c.Param("id")).Msg("failed to send typing notice")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "realtime unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}
