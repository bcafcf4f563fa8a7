package api

import (
	"log/slog"

	"github.com/nikicat/session-installer/internal/approval"
)

// Resolver answers prompts on behalf of the web page, the CLI and desktop
// notifications. It implements notification.Approver.
type Resolver struct {
	Manager *approval.Manager
	// Via names the surface in the log, e.g. "api" or "notification".
	Via string
}

// NewResolver creates a Resolver for one surface.
func NewResolver(manager *approval.Manager, via string) *Resolver {
	return &Resolver{Manager: manager, Via: via}
}

// Approve accepts a prompt.
func (r *Resolver) Approve(id string) error {
	err := r.Manager.Approve(id)
	r.log(id, "approve", "", err)
	return err
}

// Deny refuses a prompt.
func (r *Resolver) Deny(id string) error {
	err := r.Manager.Deny(id)
	r.log(id, "deny", "", err)
	return err
}

// Pick answers a choice prompt.
func (r *Resolver) Pick(id, choice string) error {
	err := r.Manager.Pick(id, choice)
	r.log(id, "choose", choice, err)
	return err
}

func (r *Resolver) log(id, action, choice string, err error) {
	attrs := []any{"prompt_id", id, "action", action, "via", r.Via}
	if choice != "" {
		attrs = append(attrs, "choice", choice)
	}
	if err != nil {
		slog.Debug("prompt answer rejected", append(attrs, "error", err)...)
		return
	}
	slog.Info("prompt answered", attrs...)
}
