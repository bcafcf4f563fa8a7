package packagekit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	errwrap "github.com/pkg/errors"
)

const (
	// eventBuffer bounds how far a session may lag behind the daemon
	// before the signal router blocks.
	eventBuffer = 256
	// signalBuffer is shared by all sessions of one client.
	signalBuffer = 1024

	propertiesIface = "org.freedesktop.DBus.Properties"
	unknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
)

// Client is a connection to the system PackageKit daemon shared by many
// sessions. A single router goroutine dispatches transaction signals to the
// session that owns the transaction path.
type Client struct {
	conn  *dbus.Conn
	hints []string

	mu       sync.Mutex
	sessions map[dbus.ObjectPath]*session

	signals chan *dbus.Signal
	done    chan struct{}
}

var _ Backend = (*Client)(nil)

// Connect opens a private connection to the bus at address, or to the system
// bus when address is empty.
func Connect(address string) (*Client, error) {
	var conn *dbus.Conn
	var err error
	if address == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, errwrap.Wrap(err, "connecting to package daemon bus")
	}
	c, err := NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient subscribes to transaction signals on conn and starts routing
// them. The client takes ownership of conn.
func NewClient(conn *dbus.Conn) (*Client, error) {
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(PkIfaceTransaction)); err != nil {
		return nil, errwrap.Wrap(err, "subscribing to transaction signals")
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, PkIfaceTransaction),
	); err != nil {
		return nil, errwrap.Wrap(err, "subscribing to transaction properties")
	}

	c := &Client{
		conn:     conn,
		hints:    defaultHints(),
		sessions: make(map[dbus.ObjectPath]*session),
		signals:  make(chan *dbus.Signal, signalBuffer),
		done:     make(chan struct{}),
	}
	conn.Signal(c.signals)
	go c.route()
	return c, nil
}

func defaultHints() []string {
	hints := []string{"interactive=true", "background=false"}
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			hints = append(hints, "locale="+v)
			break
		}
	}
	return hints
}

// Close stops routing and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.conn.RemoveSignal(c.signals)
	return c.conn.Close()
}

func (c *Client) route() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				c.failAll(dbus.ErrClosed)
				return
			}
			c.mu.Lock()
			s := c.sessions[sig.Path]
			c.mu.Unlock()
			if s == nil {
				continue
			}
			s.handleSignal(sig)
		}
	}
}

// failAll terminates every active session when the bus goes away.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[dbus.ObjectPath]*session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.abort(err)
	}
}

func (c *Client) register(path dbus.ObjectPath, s *session) {
	c.mu.Lock()
	c.sessions[path] = s
	c.mu.Unlock()
}

func (c *Client) unregister(path dbus.ObjectPath) {
	c.mu.Lock()
	delete(c.sessions, path)
	c.mu.Unlock()
}

func (c *Client) createTransaction(ctx context.Context) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	obj := c.conn.Object(PkIface, PkPath)
	if err := obj.CallWithContext(ctx, PkIface+".CreateTransaction", 0).Store(&path); err != nil {
		return "", errwrap.Wrap(err, "creating transaction")
	}
	return path, nil
}

// Roles returns the role bitfield advertised by the daemon.
func (c *Client) Roles(ctx context.Context) (Roles, error) {
	v, err := c.property(ctx, "Roles")
	if err != nil {
		return 0, err
	}
	roles, ok := v.Value().(uint64)
	if !ok {
		return 0, fmt.Errorf("unexpected Roles type %s", v.Signature())
	}
	return Roles(roles), nil
}

// MimeTypes returns the package content types the backend can install.
func (c *Client) MimeTypes(ctx context.Context) ([]string, error) {
	v, err := c.property(ctx, "MimeTypes")
	if err != nil {
		return nil, err
	}
	types, ok := v.Value().([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected MimeTypes type %s", v.Signature())
	}
	return types, nil
}

// DistroID returns the daemon's "distro;version;arch" identifier.
func (c *Client) DistroID(ctx context.Context) (string, error) {
	v, err := c.property(ctx, "DistroId")
	if err != nil {
		return "", err
	}
	id, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected DistroId type %s", v.Signature())
	}
	return id, nil
}

func (c *Client) property(ctx context.Context, name string) (dbus.Variant, error) {
	var v dbus.Variant
	obj := c.conn.Object(PkIface, PkPath)
	err := obj.CallWithContext(ctx, propertiesIface+".Get", 0, PkIface, name).Store(&v)
	if err != nil {
		return v, errwrap.Wrapf(err, "reading daemon property %s", name)
	}
	return v, nil
}

// NewSession creates an idle session.
func (c *Client) NewSession(role SessionRole) (Session, error) {
	select {
	case <-c.done:
		return nil, dbus.ErrClosed
	default:
	}
	return &session{
		client:  c,
		role:    role,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		timeout: -1,
	}, nil
}

// operation is a replayable transaction method call.
type operation struct {
	role Role
	name string
	args func(s *session) []any
}

type session struct {
	client *Client
	role   SessionRole
	events chan Event
	done   chan struct{}

	mu          sync.Mutex
	state       State
	path        dbus.ObjectPath
	finished    bool
	timeout     int
	onlyTrusted bool
	last        *operation
	current     Role
	packages    []Package
	watchdog    *time.Timer
	closed      bool
}

func (s *session) Role() SessionRole    { return s.role }
func (s *session) Events() <-chan Event { return s.events }

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return ErrSessionBusy
	}
	s.state = StateIdle
	s.packages = nil
	return nil
}

func (s *session) SetTimeout(seconds int) {
	s.mu.Lock()
	s.timeout = seconds
	s.mu.Unlock()
}

func (s *session) SetOnlyTrusted(onlyTrusted bool) {
	s.mu.Lock()
	s.onlyTrusted = onlyTrusted
	s.mu.Unlock()
}

func (s *session) transactionFlags() TransactionFlag {
	if s.onlyTrusted {
		return TransactionFlagOnlyTrusted
	}
	return TransactionFlagNone
}

func (s *session) Resolve(ctx context.Context, filter Filter, names []string) error {
	return s.start(ctx, &operation{role: RoleResolve, name: "Resolve", args: func(*session) []any {
		return []any{uint64(filter), names}
	}})
}

func (s *session) SearchFiles(ctx context.Context, filter Filter, files []string) error {
	return s.start(ctx, &operation{role: RoleSearchFile, name: "SearchFiles", args: func(*session) []any {
		return []any{uint64(filter), files}
	}})
}

func (s *session) DependsOn(ctx context.Context, filter Filter, ids []string) error {
	return s.start(ctx, &operation{role: RoleDependsOn, name: "DependsOn", args: func(*session) []any {
		return []any{uint64(filter), ids, false}
	}})
}

func (s *session) InstallPackages(ctx context.Context, ids []string) error {
	return s.start(ctx, &operation{role: RoleInstallPackages, name: "InstallPackages", args: func(s *session) []any {
		return []any{uint64(s.transactionFlags()), ids}
	}})
}

func (s *session) InstallFiles(ctx context.Context, files []string) error {
	return s.start(ctx, &operation{role: RoleInstallFiles, name: "InstallFiles", args: func(s *session) []any {
		return []any{uint64(s.transactionFlags()), files}
	}})
}

func (s *session) WhatProvides(ctx context.Context, filter Filter, kind Provides, values []string) error {
	return s.start(ctx, &operation{role: RoleWhatProvides, name: "WhatProvides", args: func(*session) []any {
		return []any{uint64(filter), uint32(kind), values}
	}})
}

func (s *session) RemovePackages(ctx context.Context, ids []string, allowDeps, autoremove bool) error {
	return s.start(ctx, &operation{role: RoleRemovePackages, name: "RemovePackages", args: func(s *session) []any {
		return []any{uint64(s.transactionFlags()), ids, allowDeps, autoremove}
	}})
}

func (s *session) AcceptEula(ctx context.Context, eulaID string) error {
	return s.start(ctx, &operation{role: RoleAcceptEula, name: "AcceptEula", args: func(*session) []any {
		return []any{eulaID}
	}})
}

func (s *session) InstallSignature(ctx context.Context, sigType SigType, keyID, packageID string) error {
	return s.start(ctx, &operation{role: RoleInstallSignature, name: "InstallSignature", args: func(*session) []any {
		return []any{uint32(sigType), keyID, packageID}
	}})
}

func (s *session) Requeue(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateActive {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	op := s.last
	s.state = StateIdle
	s.packages = nil
	s.mu.Unlock()
	if op == nil {
		return ErrNothingToRequeue
	}
	return s.start(ctx, op)
}

// start creates a transaction, sends hints and issues op. On failure the
// session is back to Idle.
func (s *session) start(ctx context.Context, op *operation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dbus.ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.state = StateActive
	s.last = op
	s.current = op.role
	s.packages = nil
	s.finished = false
	args := op.args(s)
	timeout := s.timeout
	s.mu.Unlock()

	path, err := s.client.createTransaction(ctx)
	if err != nil {
		s.setIdle()
		return err
	}

	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	s.client.register(path, s)

	obj := s.client.conn.Object(PkIface, path)
	if err := obj.CallWithContext(ctx, transactionMethod("SetHints"), 0, s.client.hints).Err; err != nil {
		slog.Debug("package daemon rejected hints", "path", path, "error", err)
	}

	err = obj.CallWithContext(ctx, transactionMethod(op.name), 0, args...).Err
	if err != nil && op.role == RoleDependsOn && isUnknownMethod(err) {
		// Daemons older than 1.0 name this method GetDepends.
		err = obj.CallWithContext(ctx, transactionMethod("GetDepends"), 0, args...).Err
	}
	if err != nil {
		s.client.unregister(path)
		s.setIdle()
		return errwrap.Wrapf(err, "calling %s", op.name)
	}

	if timeout > 0 {
		s.mu.Lock()
		s.watchdog = time.AfterFunc(time.Duration(timeout)*time.Second, func() {
			slog.Debug("transaction timed out, cancelling", "path", path, "timeout", timeout)
			s.cancelPath(context.Background(), path) //nolint:errcheck
		})
		s.mu.Unlock()
	}
	return nil
}

func (s *session) setIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.path = ""
	s.mu.Unlock()
}

func (s *session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	path := s.path
	active := s.state == StateActive
	s.mu.Unlock()
	if !active || path == "" {
		return nil
	}
	return s.cancelPath(ctx, path)
}

func (s *session) cancelPath(ctx context.Context, path dbus.ObjectPath) error {
	obj := s.client.conn.Object(PkIface, path)
	if err := obj.CallWithContext(ctx, transactionMethod("Cancel"), 0).Err; err != nil {
		return errwrap.Wrap(err, "cancelling transaction")
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	path := s.path
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.mu.Unlock()

	if path != "" {
		s.client.unregister(path)
	}
	close(s.done)
	return nil
}

func (s *session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *session) header() Header { return Header{Session: s.role} }

// abort ends an active operation without a Finished signal.
func (s *session) abort(err error) {
	s.mu.Lock()
	if s.state != StateActive || s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = StateTerminal
	role := s.current
	pkgs := s.packages
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.mu.Unlock()

	s.emit(&FinishedEvent{Header: s.header(), Role: role, Exit: ExitFailed, Packages: pkgs, Err: err})
}

func (s *session) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case transactionMethod("Package"):
		var info uint32
		var pkg Package
		if err := dbus.Store(sig.Body, &info, &pkg.ID, &pkg.Summary); err != nil {
			slog.Debug("malformed Package signal", "error", err)
			return
		}
		pkg.Info = Info(info & 0xffff)
		s.mu.Lock()
		s.packages = append(s.packages, pkg)
		s.mu.Unlock()
		s.emit(&PackageEvent{Header: s.header(), Package: pkg})

	case transactionMethod("ErrorCode"):
		var code uint32
		var details string
		if err := dbus.Store(sig.Body, &code, &details); err != nil {
			slog.Debug("malformed ErrorCode signal", "error", err)
			return
		}
		s.emit(&ErrorCodeEvent{Header: s.header(), Code: ErrorCode(code), Details: details})

	case transactionMethod("EulaRequired"):
		ev := &EulaEvent{Header: s.header()}
		if err := dbus.Store(sig.Body, &ev.EulaID, &ev.PackageID, &ev.Vendor, &ev.License); err != nil {
			slog.Debug("malformed EulaRequired signal", "error", err)
			return
		}
		s.emit(ev)

	case transactionMethod("RepoSignatureRequired"):
		ev := &SignatureEvent{Header: s.header()}
		var sigType uint32
		if err := dbus.Store(sig.Body, &ev.PackageID, &ev.RepoName, &ev.KeyURL, &ev.KeyUserID,
			&ev.KeyID, &ev.Fingerprint, &ev.Timestamp, &sigType); err != nil {
			slog.Debug("malformed RepoSignatureRequired signal", "error", err)
			return
		}
		ev.Type = SigType(sigType)
		s.emit(ev)

	case transactionMethod("Finished"):
		var exit, runtime uint32
		if err := dbus.Store(sig.Body, &exit, &runtime); err != nil {
			slog.Debug("malformed Finished signal", "error", err)
			return
		}
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			return
		}
		s.finished = true
		s.state = StateTerminal
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		role := s.current
		pkgs := s.packages
		s.mu.Unlock()
		s.emit(&FinishedEvent{Header: s.header(), Role: role, Exit: Exit(exit), RuntimeMS: runtime, Packages: pkgs})

	case transactionMethod("Destroy"):
		s.client.unregister(sig.Path)
		s.abort(fmt.Errorf("transaction %s destroyed before finishing", sig.Path))

	case propertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		if v, ok := changed["Status"]; ok {
			if st, ok := v.Value().(uint32); ok {
				s.emit(&StatusEvent{Header: s.header(), Status: Status(st)})
			}
		}
		if v, ok := changed["Percentage"]; ok {
			if pct, ok := v.Value().(uint32); ok {
				s.emit(&ProgressEvent{Header: s.header(), Percentage: pct})
			}
		}
	}
}

func isUnknownMethod(err error) bool {
	var value dbus.Error
	if errwrap.As(err, &value) {
		return value.Name == unknownMethod
	}
	var ptr *dbus.Error
	if errwrap.As(err, &ptr) {
		return ptr.Name == unknownMethod
	}
	return false
}
