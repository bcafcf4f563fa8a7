package notification

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/task"
)

// Approver resolves prompts.
type Approver interface {
	Approve(id string) error
	Deny(id string) error
	Pick(id, choice string) error
}

// maxChoiceButtons is how many choices fit as buttons; longer lists are
// answered in the web UI.
const maxChoiceButtons = 3

// Handler shows prompts as notifications with action buttons and posts
// one-shot notices for task warnings and finished installs.
type Handler struct {
	notifier Notifier
	approver Approver
	baseURL  string
	showPIDs bool
	openURL  func(string)

	mu sync.Mutex
	// notifications maps prompt ID to notification ID.
	notifications map[string]uint32
	// prompts maps notification ID to prompt ID.
	prompts map[uint32]string
	// helpURLs maps notice notification ID to the vendor page it offers.
	helpURLs map[uint32]string
}

var (
	_ approval.Observer = (*Handler)(nil)
	_ task.Observer     = (*Handler)(nil)
)

// NewHandler creates a notification handler.
func NewHandler(notifier Notifier, approver Approver, baseURL string, showPIDs bool) *Handler {
	return &Handler{
		notifier:      notifier,
		approver:      approver,
		baseURL:       baseURL,
		showPIDs:      showPIDs,
		openURL:       func(u string) { exec.Command("xdg-open", u).Start() }, //nolint:errcheck
		notifications: make(map[string]uint32),
		prompts:       make(map[uint32]string),
		helpURLs:      make(map[uint32]string),
	}
}

// ListenActions reads from the actions channel and resolves prompts.
// It blocks until the channel is closed or ctx is cancelled.
func (h *Handler) ListenActions(ctx context.Context, actions <-chan Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			h.handleAction(action)
		}
	}
}

func (h *Handler) handleAction(action Action) {
	h.mu.Lock()
	if u, ok := h.helpURLs[action.NotificationID]; ok {
		delete(h.helpURLs, action.NotificationID)
		h.mu.Unlock()
		if action.ActionKey == "help" || action.ActionKey == "default" {
			h.openURL(u)
		}
		return
	}
	promptID, ok := h.prompts[action.NotificationID]
	if ok {
		// Clicking a button already dismisses the notification; dropping the
		// mapping keeps handleResolved from closing it a second time.
		delete(h.prompts, action.NotificationID)
		delete(h.notifications, promptID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	var err error
	switch key := action.ActionKey; {
	case key == "default":
		h.openURL(h.baseURL + "?prompt=" + promptID)
		return
	case key == "approve":
		err = h.approver.Approve(promptID)
	case key == "deny":
		err = h.approver.Deny(promptID)
	case strings.HasPrefix(key, "pick:"):
		err = h.approver.Pick(promptID, strings.TrimPrefix(key, "pick:"))
	default:
		slog.Debug("unknown action key", "action", key, "prompt_id", promptID)
		return
	}

	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			slog.Debug("prompt already resolved", "action", action.ActionKey, "prompt_id", promptID)
		} else {
			slog.Error("failed to resolve prompt from notification", "action", action.ActionKey, "prompt_id", promptID, "error", err)
		}
		return
	}

	slog.Info("resolved prompt from notification", "action", action.ActionKey, "prompt_id", promptID)
}

// OnEvent implements approval.Observer.
func (h *Handler) OnEvent(event approval.Event) {
	switch event.Type {
	case approval.EventPromptCreated:
		h.handleCreated(event.Request)
	case approval.EventPromptApproved, approval.EventPromptDenied,
		approval.EventPromptExpired, approval.EventPromptCancelled:
		h.handleResolved(event.Request.ID)
	}
}

// OnTaskEvent implements task.Observer.
func (h *Handler) OnTaskEvent(event task.Event) {
	switch event.Type {
	case task.EventWarning:
		note := Notification{
			Summary: event.Title,
			Body:    html.EscapeString(event.Message),
			Icon:    "dialog-warning",
			Urgency: UrgencyNormal,
		}
		if event.HelpURL != "" {
			note.Actions = []string{"help", "More information"}
		}
		h.notice(note, event.HelpURL)
	case task.EventInstalled:
		h.notice(Notification{
			Summary: event.Title,
			Body:    html.EscapeString(event.Message),
			Icon:    "system-software-install",
			Urgency: UrgencyLow,
		}, "")
	}
}

func (h *Handler) notice(note Notification, helpURL string) {
	id, err := h.notifier.Notify(note)
	if err != nil {
		slog.Error("failed to send notice", "error", err, "summary", note.Summary)
		return
	}
	if helpURL != "" {
		h.mu.Lock()
		h.helpURLs[id] = helpURL
		h.mu.Unlock()
	}
}

func promptIcon(kind task.PromptKind) string {
	switch kind {
	case task.PromptEula, task.PromptSignature, task.PromptUntrusted:
		return "dialog-warning"
	case task.PromptConfirmRemove:
		return "edit-delete"
	case task.PromptChoosePackage:
		return "dialog-question"
	default:
		return "system-software-install"
	}
}

// promptActions builds the buttons for req. "default" opens the web UI.
func promptActions(req *approval.Request) []string {
	actions := []string{"default", ""}
	if len(req.Choices) > 0 {
		if len(req.Choices) > maxChoiceButtons {
			return append(actions, "deny", "Cancel")
		}
		for _, c := range req.Choices {
			actions = append(actions, "pick:"+c.ID, c.Label)
		}
		return append(actions, "deny", "Cancel")
	}
	label := req.Action
	if label == "" {
		label = "Continue"
	}
	return append(actions, "approve", label, "deny", "Cancel")
}

func (h *Handler) handleCreated(req *approval.Request) {
	id, err := h.notifier.Notify(Notification{
		Summary: req.Title,
		Body:    h.formatBody(req),
		Icon:    promptIcon(req.Kind),
		Actions: promptActions(req),
		Urgency: UrgencyCritical,
	})
	if err != nil {
		slog.Error("failed to send notification", "error", err, "prompt_id", req.ID)
		return
	}

	h.mu.Lock()
	h.notifications[req.ID] = id
	h.prompts[id] = req.ID
	h.mu.Unlock()

	slog.Debug("sent desktop notification", "prompt_id", req.ID, "notification_id", id)
}

func (h *Handler) handleResolved(promptID string) {
	h.mu.Lock()
	notifID, ok := h.notifications[promptID]
	if ok {
		delete(h.notifications, promptID)
		delete(h.prompts, notifID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if err := h.notifier.Close(notifID); err != nil {
		slog.Debug("failed to close notification", "error", err, "notification_id", notifID)
		return
	}

	slog.Debug("closed desktop notification", "prompt_id", promptID, "notification_id", notifID)
}

// formatBody renders the prompt message, its details and the process chain
// of the caller in notification markup.
func (h *Handler) formatBody(req *approval.Request) string {
	var b strings.Builder
	if req.Message != "" {
		b.WriteString(html.EscapeString(req.Message))
	}
	for _, d := range req.Details {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(d))
	}
	if len(req.Choices) > maxChoiceButtons {
		fmt.Fprintf(&b, "\n<i>%d options, open to choose</i>", len(req.Choices))
	}
	for i, p := range req.SenderInfo.ProcessChain {
		if i == 0 {
			b.WriteString("\n")
		} else {
			b.WriteString(" ← ")
		}
		b.WriteString(html.EscapeString(p.Name))
		if h.showPIDs {
			fmt.Fprintf(&b, "[%d]", p.PID)
		}
	}
	if len(req.SenderInfo.ProcessChain) == 0 && req.Caller.Exec != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(req.Caller.Exec))
		if h.showPIDs && req.Caller.PID != 0 {
			fmt.Fprintf(&b, "[%d]", req.Caller.PID)
		}
	}
	return b.String()
}
