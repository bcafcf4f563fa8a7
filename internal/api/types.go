package api

import (
	"time"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/task"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running       bool   `json:"running"`
	PendingCount  int    `json:"pending_count"`
	TaskCount     int    `json:"task_count"`
	PromptTimeout string `json:"prompt_timeout"`
	Version       string `json:"version,omitempty"`
}

// PendingListResponse is returned by GET /api/v1/pending.
type PendingListResponse struct {
	Requests []PendingRequest `json:"requests"`
}

// PendingRequest is a prompt as the API shows it.
type PendingRequest struct {
	ID         string              `json:"id"`
	TaskID     string              `json:"task_id"`
	Kind       task.PromptKind     `json:"kind"`
	Title      string              `json:"title"`
	Message    string              `json:"message"`
	Details    []string            `json:"details,omitempty"`
	Choices    []task.Choice       `json:"choices,omitempty"`
	Action     string              `json:"action,omitempty"`
	HelpURL    string              `json:"help_url,omitempty"`
	Caller     task.Caller         `json:"caller"`
	SenderInfo approval.SenderInfo `json:"sender_info"`
	Choice     string              `json:"choice,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

// ChooseRequest is the body of POST /api/v1/pending/{id}/choose.
type ChooseRequest struct {
	Choice string `json:"choice"`
}

// ActionResponse is returned by the prompt and task actions.
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LogEntry is one answered prompt.
type LogEntry struct {
	Request    PendingRequest      `json:"request"`
	Resolution approval.Resolution `json:"resolution"`
	ResolvedAt time.Time           `json:"resolved_at"`
}

// LogResponse is returned by GET /api/v1/log.
type LogResponse struct {
	Entries []LogEntry `json:"entries"`
}

// TaskListResponse is returned by GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks []task.Info `json:"tasks"`
}

// AuthRequest is the body of POST /api/v1/auth.
type AuthRequest struct {
	Token string `json:"token"`
}

func convertRequest(req *approval.Request) PendingRequest {
	return PendingRequest{
		ID:         req.ID,
		TaskID:     req.TaskID,
		Kind:       req.Kind,
		Title:      req.Title,
		Message:    req.Message,
		Details:    req.Details,
		Choices:    req.Choices,
		Action:     req.Action,
		HelpURL:    req.HelpURL,
		Caller:     req.Caller,
		SenderInfo: req.SenderInfo,
		Choice:     req.Choice,
		CreatedAt:  req.CreatedAt,
		ExpiresAt:  req.ExpiresAt,
	}
}

func convertRequests(reqs []*approval.Request) []PendingRequest {
	out := make([]PendingRequest, len(reqs))
	for i, req := range reqs {
		out[i] = convertRequest(req)
	}
	return out
}
