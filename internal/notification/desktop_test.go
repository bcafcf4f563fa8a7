package notification

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/task"
)

// mockNotifier records calls for testing.
type mockNotifier struct {
	mu        sync.Mutex
	nextID    uint32
	notified  []Notification
	closed    []uint32
	notifyErr error
}

func (m *mockNotifier) Notify(n Notification) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return 0, m.notifyErr
	}
	m.nextID++
	m.notified = append(m.notified, n)
	return m.nextID, nil
}

func (m *mockNotifier) Close(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, id)
	return nil
}

func (m *mockNotifier) notifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notified)
}

func (m *mockNotifier) lastNotify() Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.notified) == 0 {
		return Notification{}
	}
	return m.notified[len(m.notified)-1]
}

func (m *mockNotifier) closedIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.closed...)
}

type mockApprover struct {
	approved, denied []string
	picked           map[string]string
	err              error
}

func (a *mockApprover) Approve(id string) error {
	a.approved = append(a.approved, id)
	return a.err
}

func (a *mockApprover) Deny(id string) error {
	a.denied = append(a.denied, id)
	return a.err
}

func (a *mockApprover) Pick(id, choice string) error {
	if a.picked == nil {
		a.picked = make(map[string]string)
	}
	a.picked[id] = choice
	return a.err
}

func newTestHandler() (*Handler, *mockNotifier, *mockApprover, *[]string) {
	n := &mockNotifier{}
	a := &mockApprover{}
	var opened []string
	h := NewHandler(n, a, "http://127.0.0.1:8484/", true)
	h.openURL = func(u string) { opened = append(opened, u) }
	return h, n, a, &opened
}

func installPrompt(id string) *approval.Request {
	return &approval.Request{
		ID: id,
		Prompt: task.Prompt{
			TaskID:  "task-1",
			Kind:    task.PromptConfirmInstall,
			Title:   "Text Editor wants to install a package",
			Message: "The following package will be installed:",
			Details: []string{"vim-9.1 <editor>"},
			Action:  "Install",
			Caller:  task.Caller{Exec: "/usr/bin/gedit", PID: 42},
		},
		SenderInfo: approval.SenderInfo{
			ProcessChain: []approval.ProcessInfo{{Name: "gedit", PID: 42}, {Name: "gnome-shell", PID: 7}},
		},
	}
}

func TestHandler_PromptCreated(t *testing.T) {
	h, n, _, _ := newTestHandler()
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: installPrompt("p1")})

	if n.notifyCount() != 1 {
		t.Fatalf("expected 1 notification, got %d", n.notifyCount())
	}
	got := n.lastNotify()
	if got.Summary != "Text Editor wants to install a package" {
		t.Errorf("summary = %q", got.Summary)
	}
	if got.Urgency != UrgencyCritical {
		t.Errorf("urgency = %d", got.Urgency)
	}
	for _, want := range []string{"vim-9.1 &lt;editor&gt;", "gedit[42] ← gnome-shell[7]"} {
		if !strings.Contains(got.Body, want) {
			t.Errorf("body %q missing %q", got.Body, want)
		}
	}
	want := []string{"default", "", "approve", "Install", "deny", "Cancel"}
	if strings.Join(got.Actions, "|") != strings.Join(want, "|") {
		t.Errorf("actions = %v", got.Actions)
	}
}

func TestHandler_ResolvedClosesNotification(t *testing.T) {
	for _, typ := range []approval.EventType{
		approval.EventPromptApproved, approval.EventPromptDenied,
		approval.EventPromptExpired, approval.EventPromptCancelled,
	} {
		h, n, _, _ := newTestHandler()
		req := installPrompt("p1")
		h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: req})
		h.OnEvent(approval.Event{Type: typ, Request: req})
		if ids := n.closedIDs(); len(ids) != 1 || ids[0] != 1 {
			t.Errorf("event %d: closed = %v", typ, ids)
		}
	}
}

func TestHandler_ResolveWithoutCreate(t *testing.T) {
	h, n, _, _ := newTestHandler()
	h.OnEvent(approval.Event{Type: approval.EventPromptDenied, Request: installPrompt("missing")})
	if len(n.closedIDs()) != 0 {
		t.Error("closed a notification that was never shown")
	}
}

func TestHandler_Actions(t *testing.T) {
	h, _, a, opened := newTestHandler()
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: installPrompt("p1")})
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: installPrompt("p2")})
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: installPrompt("p3")})

	h.handleAction(Action{NotificationID: 1, ActionKey: "approve"})
	h.handleAction(Action{NotificationID: 2, ActionKey: "deny"})
	h.handleAction(Action{NotificationID: 3, ActionKey: "default"})
	// Already consumed.
	h.handleAction(Action{NotificationID: 1, ActionKey: "approve"})

	if len(a.approved) != 1 || a.approved[0] != "p1" {
		t.Errorf("approved = %v", a.approved)
	}
	if len(a.denied) != 1 || a.denied[0] != "p2" {
		t.Errorf("denied = %v", a.denied)
	}
	if len(*opened) != 1 || (*opened)[0] != "http://127.0.0.1:8484/?prompt=p3" {
		t.Errorf("opened = %v", *opened)
	}
}

func TestHandler_ChoicePrompt(t *testing.T) {
	h, n, a, _ := newTestHandler()
	req := installPrompt("p1")
	req.Kind = task.PromptChoosePackage
	req.Choices = []task.Choice{{ID: "vim;9.1;x86_64;fedora", Label: "vim"}, {ID: "vim-enhanced;9.1;x86_64;fedora", Label: "vim-enhanced"}}
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: req})

	got := n.lastNotify()
	if len(got.Actions) != 8 || got.Actions[2] != "pick:vim;9.1;x86_64;fedora" {
		t.Errorf("actions = %v", got.Actions)
	}
	h.handleAction(Action{NotificationID: 1, ActionKey: "pick:vim-enhanced;9.1;x86_64;fedora"})
	if a.picked["p1"] != "vim-enhanced;9.1;x86_64;fedora" {
		t.Errorf("picked = %v", a.picked)
	}

	many := installPrompt("p2")
	many.Choices = make([]task.Choice, maxChoiceButtons+1)
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: many})
	got = n.lastNotify()
	if len(got.Actions) != 4 || !strings.Contains(got.Body, "4 options") {
		t.Errorf("long choice list rendered as %v / %q", got.Actions, got.Body)
	}
}

func TestHandler_ApproverErrorIsLogged(t *testing.T) {
	h, _, a, _ := newTestHandler()
	a.err = approval.ErrNotFound
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: installPrompt("p1")})
	h.handleAction(Action{NotificationID: 1, ActionKey: "approve"})
	if len(a.approved) != 1 {
		t.Errorf("approved = %v", a.approved)
	}
}

func TestHandler_TaskNotices(t *testing.T) {
	h, n, _, opened := newTestHandler()

	h.OnTaskEvent(task.Event{Type: task.EventStateChanged})
	if n.notifyCount() != 0 {
		t.Fatal("state change produced a notification")
	}

	h.OnTaskEvent(task.Event{
		Type:    task.EventWarning,
		Title:   "Failed to search for file",
		Message: "no files found",
		HelpURL: "https://example.org/help",
	})
	w := n.lastNotify()
	if w.Icon != "dialog-warning" || len(w.Actions) != 2 {
		t.Errorf("warning = %+v", w)
	}
	h.handleAction(Action{NotificationID: 1, ActionKey: "help"})
	if len(*opened) != 1 || (*opened)[0] != "https://example.org/help" {
		t.Errorf("opened = %v", *opened)
	}

	h.OnTaskEvent(task.Event{Type: task.EventInstalled, Title: "Packages installed", Message: "vim"})
	if got := n.lastNotify(); got.Summary != "Packages installed" || got.Actions != nil {
		t.Errorf("installed = %+v", got)
	}
}

func TestHandler_NotifyError(t *testing.T) {
	h, n, _, _ := newTestHandler()
	n.notifyErr = errors.New("no notification daemon")
	h.OnEvent(approval.Event{Type: approval.EventPromptCreated, Request: installPrompt("p1")})
	h.OnEvent(approval.Event{Type: approval.EventPromptApproved, Request: installPrompt("p1")})
	if len(n.closedIDs()) != 0 {
		t.Error("closed a notification that failed to show")
	}
}
