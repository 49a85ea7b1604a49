// Package tasks manages the workspace task board through the backend's
// tasks table.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsdeckhq/opsdeck/internal/backend"
)

const table = "tasks"

// Common errors for task operations.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrEmptyTitle   = errors.New("task title is empty")
	ErrBadStatus    = errors.New("unknown task status")
)

// Status is a task's board column.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

func (s Status) valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

// Task is one row of the tasks table.
type Task struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes,omitempty"`
	Status     Status    `json:"status"`
	AssigneeID string    `json:"assignee_id,omitempty"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Service provides task board business logic.
type Service struct {
	client *backend.Client
	userID string
}

// New creates a task service acting as the given user.
func New(client *backend.Client, userID string) *Service {
	return &Service{client: client, userID: userID}
}

// Create adds a task in the todo column.
func (s *Service) Create(ctx context.Context, title, notes, assigneeID string) (*Task, error) {
	if title == "" {
		return nil, ErrEmptyTitle
	}

	now := time.Now().UTC()
	task := Task{
		ID:         uuid.New().String(),
		Title:      title,
		Notes:      notes,
		Status:     StatusTodo,
		AssigneeID: assigneeID,
		CreatedBy:  s.userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var out []Task
	if err := s.client.Insert(ctx, table, task, &out); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if len(out) > 0 {
		task = out[0]
	}
	return &task, nil
}

// List returns every task, optionally filtered to one status.
func (s *Service) List(ctx context.Context, status Status) ([]Task, error) {
	var filters []backend.Filter
	if status != "" {
		if !status.valid() {
			return nil, ErrBadStatus
		}
		filters = append(filters, backend.Eq("status", string(status)))
	}

	var tasks []Task
	if err := s.client.Select(ctx, table, &tasks, filters...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Move changes a task's board column.
func (s *Service) Move(ctx context.Context, id string, status Status) (*Task, error) {
	if !status.valid() {
		return nil, ErrBadStatus
	}

	patch := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	var out []Task
	if err := s.client.Update(ctx, table, patch, &out, backend.Eq("id", id)); err != nil {
		return nil, fmt.Errorf("move task: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrTaskNotFound
	}
	return &out[0], nil
}

// Delete removes a task.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.client.Delete(ctx, table, backend.Eq("id", id)); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
