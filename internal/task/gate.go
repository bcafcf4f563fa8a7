package task

import (
	"context"
	"time"

	"github.com/nikicat/session-installer/internal/packagekit"
)

// PromptKind says what the user is being asked.
type PromptKind string

const (
	PromptConfirmSearch  PromptKind = "confirm_search"
	PromptConfirmInstall PromptKind = "confirm_install"
	PromptConfirmDeps    PromptKind = "confirm_deps"
	PromptConfirmFiles   PromptKind = "confirm_files"
	PromptConfirmRemove  PromptKind = "confirm_remove"
	PromptConfirmCopy    PromptKind = "confirm_copy"
	PromptChoosePackage  PromptKind = "choose_package"
	PromptEula           PromptKind = "eula"
	PromptSignature      PromptKind = "signature"
	PromptUntrusted      PromptKind = "untrusted"
)

// Choice is one option of a Choose prompt.
type Choice struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Summary string `json:"summary,omitempty"`
}

// Prompt is everything a user needs to answer a question.
type Prompt struct {
	TaskID  string     `json:"task_id"`
	Kind    PromptKind `json:"kind"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Details []string   `json:"details,omitempty"`
	Choices []Choice   `json:"choices,omitempty"`
	Action  string     `json:"action,omitempty"`
	Caller  Caller     `json:"caller"`
	// HelpURL is a vendor page offered alongside warnings.
	HelpURL string `json:"help_url,omitempty"`
}

// Gate asks the user. Both methods block until an answer, the prompt
// expires, or ctx ends; any error counts as a refusal.
type Gate interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
	// Choose returns the ID of the picked choice, or ok=false.
	Choose(ctx context.Context, p Prompt) (id string, ok bool, err error)
}

// EventType is the kind of task lifecycle event.
type EventType int

const (
	EventStarted EventType = iota
	EventStateChanged
	EventProgress
	EventWarning
	EventInstalled
	EventFinished
)

// Event is published to observers as a task runs.
type Event struct {
	Type  EventType
	Task  Info
	Title string
	// Message is the warning text or the installed package list.
	Message string
	HelpURL string
	// Err is set on EventFinished when the task failed.
	Err *Error
}

// Observer receives task events. OnTaskEvent must not block.
type Observer interface {
	OnTaskEvent(Event)
}

// State is the coarse position of a task in its pipeline.
type State string

const (
	StateCreated                  State = "created"
	StateResolving                State = "resolving"
	StateDepCheck                 State = "dep_check"
	StateConfirming               State = "confirming"
	StateInstalling               State = "installing"
	StateAwaitingAuth             State = "awaiting_auth"
	StateAwaitingUntrustedConfirm State = "awaiting_untrusted_confirm"
	StateReporting                State = "reporting"
	StateDone                     State = "done"
)

// Caller identifies the program that made the request.
type Caller struct {
	Sender string `json:"sender,omitempty"`
	PID    uint32 `json:"pid,omitempty"`
	Exec   string `json:"exec,omitempty"`
	Label  string `json:"label,omitempty"`
	Icon   string `json:"icon,omitempty"`
	XID    uint32 `json:"xid,omitempty"`
}

// Info is a read-only snapshot of a task.
type Info struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Interaction string            `json:"interaction"`
	Caller      Caller            `json:"caller"`
	CreatedAt   time.Time         `json:"created_at"`
	State       State             `json:"state"`
	Status      packagekit.Status `json:"-"`
	StatusText  string            `json:"status"`
	Percentage  uint32            `json:"percentage"`
	Packages    []string          `json:"packages,omitempty"`
	Files       []string          `json:"files,omitempty"`
}
