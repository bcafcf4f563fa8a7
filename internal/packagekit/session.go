package packagekit

import (
	"context"
	"errors"
)

// ErrSessionBusy is returned when an operation is issued while the session
// still has a transaction running.
var ErrSessionBusy = errors.New("session has an operation in progress")

// ErrNothingToRequeue is returned by Requeue before any operation was issued.
var ErrNothingToRequeue = errors.New("no operation to requeue")

// SessionRole tags a session as the primary worker or the secondary one used
// only for EULA and signature authorization.
type SessionRole int

const (
	Primary SessionRole = iota
	Secondary
)

func (r SessionRole) String() string {
	if r == Secondary {
		return "secondary"
	}
	return "primary"
}

// State is the lifecycle of a session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateTerminal
)

// Event is anything a session reports while a transaction runs.
type Event interface {
	Source() SessionRole
}

// Header carries the fields every event has.
type Header struct {
	Session SessionRole
}

// Source returns the session that produced the event.
func (h Header) Source() SessionRole { return h.Session }

// PackageEvent is emitted for each Package signal.
type PackageEvent struct {
	Header
	Package Package
}

// StatusEvent is emitted when the transaction Status property changes.
type StatusEvent struct {
	Header
	Status Status
}

// ProgressEvent is emitted when the transaction Percentage property changes.
// Percentage is 101 when unknown.
type ProgressEvent struct {
	Header
	Percentage uint32
}

// ErrorCodeEvent is emitted for each ErrorCode signal.
type ErrorCodeEvent struct {
	Header
	Code    ErrorCode
	Details string
}

// FinishedEvent is the terminal event of an operation. Packages holds every
// package reported during the operation, in order.
type FinishedEvent struct {
	Header
	Role      Role
	Exit      Exit
	RuntimeMS uint32
	Packages  []Package
	// Err is set when the operation could not be issued or the daemon went
	// away before Finished arrived.
	Err error
}

// EulaEvent is emitted when the backend needs a licence accepted.
type EulaEvent struct {
	Header
	EulaID    string
	PackageID string
	Vendor    string
	License   string
}

// SignatureEvent is emitted when the backend needs a repository key trusted.
type SignatureEvent struct {
	Header
	PackageID   string
	RepoName    string
	KeyURL      string
	KeyUserID   string
	KeyID       string
	Fingerprint string
	Timestamp   string
	Type        SigType
}

// Session is one asynchronous client handle. Operations return once the
// daemon has accepted them; results arrive on Events, ending with exactly one
// FinishedEvent per accepted operation.
type Session interface {
	Role() SessionRole
	Events() <-chan Event
	State() State

	// Reset returns a terminal session to Idle. It fails while active.
	Reset() error
	// SetTimeout bounds the next operations; -1 keeps the daemon default.
	SetTimeout(seconds int)
	SetOnlyTrusted(onlyTrusted bool)

	Resolve(ctx context.Context, filter Filter, names []string) error
	SearchFiles(ctx context.Context, filter Filter, files []string) error
	DependsOn(ctx context.Context, filter Filter, ids []string) error
	InstallPackages(ctx context.Context, ids []string) error
	InstallFiles(ctx context.Context, files []string) error
	WhatProvides(ctx context.Context, filter Filter, kind Provides, values []string) error
	RemovePackages(ctx context.Context, ids []string, allowDeps, autoremove bool) error
	AcceptEula(ctx context.Context, eulaID string) error
	InstallSignature(ctx context.Context, sigType SigType, keyID, packageID string) error

	// Requeue issues the last operation again on a fresh transaction.
	Requeue(ctx context.Context) error
	// Cancel asks the daemon to stop the running transaction.
	Cancel(ctx context.Context) error
	Close() error
}

// Backend creates sessions and answers capability questions.
type Backend interface {
	NewSession(role SessionRole) (Session, error)
	Roles(ctx context.Context) (Roles, error)
	MimeTypes(ctx context.Context) ([]string, error)
	// DistroID returns "distro;version;arch".
	DistroID(ctx context.Context) (string, error)
}
