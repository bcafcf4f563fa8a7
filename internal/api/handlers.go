package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/daemon"
	"github.com/nikicat/session-installer/internal/task"
)

// Tasks is the slice of the task registry the API needs.
type Tasks interface {
	Tasks() []task.Info
	Cancel(id string) error
	Live() int
}

// Handlers provides HTTP handlers for the REST API.
type Handlers struct {
	manager  *approval.Manager
	resolver *Resolver
	tasks    Tasks
}

// NewHandlers creates new API handlers. tasks may be nil.
func NewHandlers(manager *approval.Manager, tasks Tasks) *Handlers {
	return &Handlers{
		manager:  manager,
		resolver: NewResolver(manager, "api"),
		tasks:    tasks,
	}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		Running:       true,
		PendingCount:  h.manager.PendingCount(),
		PromptTimeout: h.manager.Timeout().String(),
		Version:       BuildVersion,
	}
	if h.tasks != nil {
		resp.TaskCount = h.tasks.Live()
	}
	writeJSON(w, resp)
}

// HandlePendingList handles GET /api/v1/pending.
func (h *Handlers) HandlePendingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, PendingListResponse{Requests: convertRequests(h.manager.List())})
}

// HandlePending routes POST /api/v1/pending/{id}/{approve,deny,choose}.
func (h *Handlers) HandlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/approve"):
		h.answer(w, r, "/approve", "approved", h.resolver.Approve)
	case strings.HasSuffix(path, "/deny"):
		h.answer(w, r, "/deny", "denied", h.resolver.Deny)
	case strings.HasSuffix(path, "/choose"):
		h.handleChoose(w, r)
	default:
		writeError(w, "not found", http.StatusNotFound)
	}
}

func (h *Handlers) answer(w http.ResponseWriter, r *http.Request, suffix, status string, fn func(string) error) {
	id := extractID(r.URL.Path, "/api/v1/pending/", suffix)
	if id == "" {
		writeError(w, "invalid request path", http.StatusBadRequest)
		return
	}
	logPeer(r, id, status)
	if err := fn(id); err != nil {
		writePromptError(w, err)
		return
	}
	writeJSON(w, ActionResponse{Status: status})
}

func (h *Handlers) handleChoose(w http.ResponseWriter, r *http.Request) {
	id := extractID(r.URL.Path, "/api/v1/pending/", "/choose")
	if id == "" {
		writeError(w, "invalid request path", http.StatusBadRequest)
		return
	}
	var req ChooseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Choice == "" {
		writeError(w, "body must be {\"choice\": \"<package id>\"}", http.StatusBadRequest)
		return
	}
	logPeer(r, id, "chosen")
	if err := h.resolver.Pick(id, req.Choice); err != nil {
		writePromptError(w, err)
		return
	}
	writeJSON(w, ActionResponse{Status: "chosen"})
}

func writePromptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, "prompt not found or expired", http.StatusNotFound)
	case errors.Is(err, approval.ErrChoiceRequired), errors.Is(err, approval.ErrInvalidChoice):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleLog handles GET /api/v1/log.
func (h *Handlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	history := h.manager.History()
	entries := make([]LogEntry, len(history))
	for i, e := range history {
		entries[i] = LogEntry{
			Request:    convertRequest(e.Request),
			Resolution: e.Resolution,
			ResolvedAt: e.ResolvedAt,
		}
	}
	writeJSON(w, LogResponse{Entries: entries})
}

// HandleTasks handles GET /api/v1/tasks.
func (h *Handlers) HandleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks := []task.Info{}
	if h.tasks != nil {
		tasks = append(tasks, h.tasks.Tasks()...)
	}
	writeJSON(w, TaskListResponse{Tasks: tasks})
}

// HandleTaskCancel handles POST /api/v1/tasks/{id}/cancel.
func (h *Handlers) HandleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := extractID(r.URL.Path, "/api/v1/tasks/", "/cancel")
	if id == "" {
		writeError(w, "invalid request path", http.StatusBadRequest)
		return
	}
	if h.tasks == nil {
		writeError(w, "task not found", http.StatusNotFound)
		return
	}
	if err := h.tasks.Cancel(id); err != nil {
		if errors.Is(err, daemon.ErrTaskNotFound) {
			writeError(w, "task not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("task cancelled", "task_id", id, "via", "api")
	writeJSON(w, ActionResponse{Status: "cancelled"})
}

// extractID pulls {id} out of prefix{id}suffix.
func extractID(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message}) //nolint:errcheck
}
