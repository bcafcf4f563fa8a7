// Package approval holds the questions running tasks ask the user and
// blocks each task until the question is answered, expires, or the task
// goes away.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikicat/session-installer/internal/task"
)

// ErrDenied is returned when the user refuses a prompt.
var ErrDenied = errors.New("refused by user")

// ErrTimeout is returned when nobody answered in time.
var ErrTimeout = errors.New("prompt timed out")

// ErrNotFound is returned when a prompt ID doesn't exist.
var ErrNotFound = errors.New("prompt not found")

// ErrInvalidChoice is returned when a pick is not one of the offered choices.
var ErrInvalidChoice = errors.New("not one of the offered choices")

// ErrChoiceRequired is returned when a choice prompt is approved without
// saying which option.
var ErrChoiceRequired = errors.New("prompt needs a choice")

// EventType represents the type of prompt event.
type EventType int

const (
	EventPromptCreated EventType = iota
	EventPromptApproved
	EventPromptDenied
	EventPromptExpired
	EventPromptCancelled
)

// Event represents a prompt event for observers.
type Event struct {
	Type    EventType
	Request *Request
}

// Observer receives notifications about prompt events.
type Observer interface {
	OnEvent(Event)
}

// Request is a prompt awaiting an answer.
type Request struct {
	ID string `json:"id"`
	task.Prompt
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// SenderInfo describes the process behind the task.
	SenderInfo SenderInfo `json:"sender_info"`

	// Choice is the picked option once a choice prompt is resolved.
	Choice string `json:"choice,omitempty"`

	done   chan struct{}
	result bool
}

// Resolution represents how a prompt was resolved.
type Resolution string

const (
	ResolutionApproved  Resolution = "approved"
	ResolutionDenied    Resolution = "denied"
	ResolutionExpired   Resolution = "expired"
	ResolutionCancelled Resolution = "cancelled"
)

// HistoryEntry represents a resolved prompt.
type HistoryEntry struct {
	Request    *Request   `json:"request"`
	Resolution Resolution `json:"resolution"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// SenderLookup fills in process details for a caller.
type SenderLookup func(task.Caller) SenderInfo

// Manager tracks pending prompts. It implements task.Gate.
type Manager struct {
	mu      sync.RWMutex
	pending map[string]*Request
	timeout time.Duration
	lookup  SenderLookup

	observersMu sync.RWMutex
	observers   map[Observer]struct{}

	historyMu  sync.RWMutex
	history    []HistoryEntry
	historyMax int
}

var _ task.Gate = (*Manager)(nil)

// NewManager creates a new prompt manager.
func NewManager(timeout time.Duration, historyMax int) *Manager {
	return &Manager{
		pending:    make(map[string]*Request),
		timeout:    timeout,
		observers:  make(map[Observer]struct{}),
		historyMax: historyMax,
	}
}

// SetSenderLookup installs the function used to describe callers.
func (m *Manager) SetSenderLookup(fn SenderLookup) {
	m.mu.Lock()
	m.lookup = fn
	m.mu.Unlock()
}

// Subscribe registers an observer to receive prompt events.
func (m *Manager) Subscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers[o] = struct{}{}
}

// Unsubscribe removes an observer.
func (m *Manager) Unsubscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	delete(m.observers, o)
}

// notify sends an event to all observers asynchronously.
func (m *Manager) notify(event Event) {
	m.observersMu.RLock()
	defer m.observersMu.RUnlock()
	for o := range m.observers {
		go o.OnEvent(event)
	}

	if event.Type != EventPromptCreated {
		m.addHistory(event)
	}
}

func (m *Manager) addHistory(event Event) {
	var resolution Resolution
	switch event.Type {
	case EventPromptApproved:
		resolution = ResolutionApproved
	case EventPromptDenied:
		resolution = ResolutionDenied
	case EventPromptExpired:
		resolution = ResolutionExpired
	case EventPromptCancelled:
		resolution = ResolutionCancelled
	default:
		return
	}

	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.history = append([]HistoryEntry{{
		Request:    event.Request,
		Resolution: resolution,
		ResolvedAt: time.Now(),
	}}, m.history...)
	if len(m.history) > m.historyMax {
		m.history = m.history[:m.historyMax]
	}
}

// History returns a copy of the history entries, newest first.
func (m *Manager) History() []HistoryEntry {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	return append([]HistoryEntry{}, m.history...)
}

// Confirm asks a yes/no question and blocks until it is answered.
func (m *Manager) Confirm(ctx context.Context, p task.Prompt) (bool, error) {
	req, err := m.wait(ctx, p)
	if err != nil {
		return false, err
	}
	return req.result, nil
}

// Choose offers p.Choices and blocks until one is picked or the prompt is
// refused.
func (m *Manager) Choose(ctx context.Context, p task.Prompt) (string, bool, error) {
	req, err := m.wait(ctx, p)
	if err != nil {
		return "", false, err
	}
	if !req.result {
		return "", false, nil
	}
	return req.Choice, true, nil
}

func (m *Manager) wait(ctx context.Context, p task.Prompt) (*Request, error) {
	now := time.Now()
	req := &Request{
		ID:        uuid.New().String(),
		Prompt:    p,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.lookup != nil {
		req.SenderInfo = m.lookup(p.Caller)
	} else {
		req.SenderInfo = SenderInfo{Sender: p.Caller.Sender, PID: p.Caller.PID}
	}
	m.pending[req.ID] = req
	m.mu.Unlock()

	m.notify(Event{Type: EventPromptCreated, Request: req})

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-req.done:
		return req, nil
	case <-timer.C:
		if m.abandon(req) {
			m.notify(Event{Type: EventPromptExpired, Request: req})
			return nil, ErrTimeout
		}
		<-req.done
		return req, nil
	case <-ctx.Done():
		if m.abandon(req) {
			m.notify(Event{Type: EventPromptCancelled, Request: req})
			return nil, ctx.Err()
		}
		<-req.done
		return req, nil
	}
}

// abandon removes req unless an answer already claimed it.
func (m *Manager) abandon(req *Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[req.ID]; !ok {
		return false
	}
	delete(m.pending, req.ID)
	return true
}

// List returns all pending prompts.
func (m *Manager) List() []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	result := make([]*Request, 0, len(m.pending))
	for _, req := range m.pending {
		if req.ExpiresAt.After(now) {
			result = append(result, req)
		}
	}
	return result
}

// Get returns one pending prompt.
func (m *Manager) Get(id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req, nil
}

// Approve accepts a pending prompt. A choice prompt with a single option
// picks it; with more options Pick must be used.
func (m *Manager) Approve(id string) error {
	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if len(req.Choices) > 1 {
		m.mu.Unlock()
		return ErrChoiceRequired
	}
	if len(req.Choices) == 1 {
		req.Choice = req.Choices[0].ID
	}
	m.resolveLocked(req, true)
	m.mu.Unlock()

	m.notify(Event{Type: EventPromptApproved, Request: req})
	return nil
}

// Pick answers a choice prompt with one of its options.
func (m *Manager) Pick(id, choice string) error {
	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	valid := false
	for _, c := range req.Choices {
		if c.ID == choice {
			valid = true
			break
		}
	}
	if !valid {
		m.mu.Unlock()
		return ErrInvalidChoice
	}
	req.Choice = choice
	m.resolveLocked(req, true)
	m.mu.Unlock()

	m.notify(Event{Type: EventPromptApproved, Request: req})
	return nil
}

// Deny refuses a pending prompt.
func (m *Manager) Deny(id string) error {
	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.resolveLocked(req, false)
	m.mu.Unlock()

	m.notify(Event{Type: EventPromptDenied, Request: req})
	return nil
}

func (m *Manager) resolveLocked(req *Request, result bool) {
	req.result = result
	delete(m.pending, req.ID)
	close(req.done)
}

// DenyTask refuses every pending prompt of a task.
func (m *Manager) DenyTask(taskID string) int {
	m.mu.RLock()
	var ids []string
	for id, req := range m.pending {
		if req.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if m.Deny(id) == nil {
			n++
		}
	}
	return n
}

// PendingCount returns the number of pending prompts.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Timeout returns the configured timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}
