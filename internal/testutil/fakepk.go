package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/nikicat/session-installer/internal/packagekit"
)

// Call records one operation issued on a FakeSession.
type Call struct {
	Session     packagekit.SessionRole
	Role        packagekit.Role
	Filter      packagekit.Filter
	Provides    packagekit.Provides
	Values      []string
	OnlyTrusted bool
	Timeout     int
	Requeue     bool
}

// Result scripts how the fake answers one Call.
type Result struct {
	// Events are emitted before the FinishedEvent.
	Events   []packagekit.Event
	Packages []packagekit.Package
	// Exit of the operation; the zero value means success.
	Exit packagekit.Exit
	// IssueErr makes the operation fail synchronously.
	IssueErr error
	// Block keeps the operation running until Cancel is called.
	Block bool
}

// FakeBackend is an in-memory packagekit.Backend driven by a Handler.
type FakeBackend struct {
	Handler func(Call) Result

	RolesValue packagekit.Roles
	Mime       []string
	Distro     string

	mu       sync.Mutex
	calls    []Call
	cancels  int
	sessions []*FakeSession
}

var _ packagekit.Backend = (*FakeBackend)(nil)

// NewFakeBackend returns a backend that supports every role.
func NewFakeBackend(handler func(Call) Result) *FakeBackend {
	return &FakeBackend{
		Handler:    handler,
		RolesValue: ^packagekit.Roles(0),
		Mime:       []string{"application/x-rpm", "application/vnd.debian.binary-package"},
		Distro:     "fedora;40;x86_64",
	}
}

// Calls returns a copy of every call issued so far.
func (b *FakeBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsWithRole returns the calls of one role.
func (b *FakeBackend) CallsWithRole(role packagekit.Role) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// Cancels returns how many Cancel calls hit a running operation.
func (b *FakeBackend) Cancels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

// Blocked returns how many operations are waiting for Cancel.
func (b *FakeBackend) Blocked() int {
	b.mu.Lock()
	sessions := append([]*FakeSession(nil), b.sessions...)
	b.mu.Unlock()
	n := 0
	for _, s := range sessions {
		s.mu.Lock()
		if s.blocked != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (b *FakeBackend) NewSession(role packagekit.SessionRole) (packagekit.Session, error) {
	s := &FakeSession{
		backend: b,
		role:    role,
		events:  make(chan packagekit.Event, 64),
		timeout: -1,
	}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *FakeBackend) Roles(context.Context) (packagekit.Roles, error) { return b.RolesValue, nil }

func (b *FakeBackend) MimeTypes(context.Context) ([]string, error) { return b.Mime, nil }

func (b *FakeBackend) DistroID(context.Context) (string, error) { return b.Distro, nil }

// FakeSession implements packagekit.Session on top of FakeBackend.
type FakeSession struct {
	backend *FakeBackend
	role    packagekit.SessionRole
	events  chan packagekit.Event

	mu          sync.Mutex
	state       packagekit.State
	timeout     int
	onlyTrusted bool
	last        *Call
	blocked     *Call
	closed      bool
}

func (s *FakeSession) Role() packagekit.SessionRole    { return s.role }
func (s *FakeSession) Events() <-chan packagekit.Event { return s.events }

func (s *FakeSession) State() packagekit.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FakeSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == packagekit.StateActive {
		return packagekit.ErrSessionBusy
	}
	s.state = packagekit.StateIdle
	return nil
}

func (s *FakeSession) SetTimeout(seconds int) {
	s.mu.Lock()
	s.timeout = seconds
	s.mu.Unlock()
}

func (s *FakeSession) SetOnlyTrusted(onlyTrusted bool) {
	s.mu.Lock()
	s.onlyTrusted = onlyTrusted
	s.mu.Unlock()
}

func (s *FakeSession) Resolve(_ context.Context, filter packagekit.Filter, names []string) error {
	return s.issue(Call{Role: packagekit.RoleResolve, Filter: filter, Values: names})
}

func (s *FakeSession) SearchFiles(_ context.Context, filter packagekit.Filter, files []string) error {
	return s.issue(Call{Role: packagekit.RoleSearchFile, Filter: filter, Values: files})
}

func (s *FakeSession) DependsOn(_ context.Context, filter packagekit.Filter, ids []string) error {
	return s.issue(Call{Role: packagekit.RoleDependsOn, Filter: filter, Values: ids})
}

func (s *FakeSession) InstallPackages(_ context.Context, ids []string) error {
	return s.issue(Call{Role: packagekit.RoleInstallPackages, Values: ids})
}

func (s *FakeSession) InstallFiles(_ context.Context, files []string) error {
	return s.issue(Call{Role: packagekit.RoleInstallFiles, Values: files})
}

func (s *FakeSession) WhatProvides(_ context.Context, filter packagekit.Filter, kind packagekit.Provides, values []string) error {
	return s.issue(Call{Role: packagekit.RoleWhatProvides, Filter: filter, Provides: kind, Values: values})
}

func (s *FakeSession) RemovePackages(_ context.Context, ids []string, _, _ bool) error {
	return s.issue(Call{Role: packagekit.RoleRemovePackages, Values: ids})
}

func (s *FakeSession) AcceptEula(_ context.Context, eulaID string) error {
	return s.issue(Call{Role: packagekit.RoleAcceptEula, Values: []string{eulaID}})
}

func (s *FakeSession) InstallSignature(_ context.Context, _ packagekit.SigType, keyID, packageID string) error {
	return s.issue(Call{Role: packagekit.RoleInstallSignature, Values: []string{keyID, packageID}})
}

func (s *FakeSession) Requeue(context.Context) error {
	s.mu.Lock()
	if s.state == packagekit.StateActive {
		s.mu.Unlock()
		return packagekit.ErrSessionBusy
	}
	last := s.last
	s.state = packagekit.StateIdle
	s.mu.Unlock()
	if last == nil {
		return packagekit.ErrNothingToRequeue
	}
	c := *last
	c.Requeue = true
	return s.issue(c)
}

func (s *FakeSession) issue(c Call) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.state != packagekit.StateIdle {
		s.mu.Unlock()
		return packagekit.ErrSessionBusy
	}
	c.Session = s.role
	c.Timeout = s.timeout
	if c.Role == packagekit.RoleInstallPackages || c.Role == packagekit.RoleInstallFiles ||
		c.Role == packagekit.RoleRemovePackages {
		c.OnlyTrusted = s.onlyTrusted
	}
	s.state = packagekit.StateActive
	last := c
	s.last = &last
	s.mu.Unlock()

	s.backend.mu.Lock()
	s.backend.calls = append(s.backend.calls, c)
	handler := s.backend.Handler
	s.backend.mu.Unlock()

	var res Result
	if handler != nil {
		res = handler(c)
	}
	if res.IssueErr != nil {
		s.mu.Lock()
		s.state = packagekit.StateIdle
		s.mu.Unlock()
		return res.IssueErr
	}

	h := packagekit.Header{Session: s.role}
	for _, ev := range res.Events {
		s.events <- ev
	}
	for _, p := range res.Packages {
		s.events <- &packagekit.PackageEvent{Header: h, Package: p}
	}
	if res.Block {
		s.mu.Lock()
		s.blocked = &c
		s.mu.Unlock()
		return nil
	}
	s.finish(c.Role, res.Exit, res.Packages)
	return nil
}

func (s *FakeSession) finish(role packagekit.Role, exit packagekit.Exit, pkgs []packagekit.Package) {
	if exit == packagekit.ExitUnknown {
		exit = packagekit.ExitSuccess
	}
	s.mu.Lock()
	s.state = packagekit.StateTerminal
	s.mu.Unlock()
	s.events <- &packagekit.FinishedEvent{
		Header:   packagekit.Header{Session: s.role},
		Role:     role,
		Exit:     exit,
		Packages: pkgs,
	}
}

func (s *FakeSession) Cancel(context.Context) error {
	s.mu.Lock()
	blocked := s.blocked
	s.blocked = nil
	s.mu.Unlock()
	if blocked == nil {
		return nil
	}
	s.backend.mu.Lock()
	s.backend.cancels++
	s.backend.mu.Unlock()
	s.finish(blocked.Role, packagekit.ExitCancelled, nil)
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Pkg builds a package with the given info and id.
func Pkg(info packagekit.Info, id string) packagekit.Package {
	return packagekit.Package{Info: info, ID: id, Summary: id}
}
