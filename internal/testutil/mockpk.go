// Package testutil provides fakes of the system package daemon: an in-memory
// packagekit.Backend and a D-Bus mock that speaks the daemon's protocol.
package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/nikicat/session-installer/internal/packagekit"
)

const (
	propertiesIface = "org.freedesktop.DBus.Properties"
	txIface         = packagekit.PkIfaceTransaction
)

const daemonIntrospection = `<node>
  <interface name="` + packagekit.PkIface + `">
    <method name="CreateTransaction"><arg type="o" direction="out"/></method>
    <property name="Roles" type="t" access="read"/>
    <property name="MimeTypes" type="as" access="read"/>
    <property name="DistroId" type="s" access="read"/>
  </interface>` + introspect.IntrospectDeclarationString + `</node>`

// MockPackageKit serves org.freedesktop.PackageKit on a bus connection.
// Every transaction method is turned into a Call and answered by Handler the
// same way FakeBackend does, with results sent back as daemon signals.
type MockPackageKit struct {
	Handler func(Call) Result

	RolesValue packagekit.Roles
	Mime       []string
	Distro     string
	// LegacyDepends rejects DependsOn so clients fall back to GetDepends.
	LegacyDepends bool

	conn  *dbus.Conn
	txCtr atomic.Uint64

	mu      sync.Mutex
	calls   []Call
	hints   map[dbus.ObjectPath][]string
	cancels int
}

// NewMockPackageKit returns a mock that supports every role.
func NewMockPackageKit(handler func(Call) Result) *MockPackageKit {
	return &MockPackageKit{
		Handler:    handler,
		RolesValue: ^packagekit.Roles(0),
		Mime:       []string{"application/x-rpm"},
		Distro:     "fedora;40;x86_64",
		hints:      make(map[dbus.ObjectPath][]string),
	}
}

// Register exports the daemon object on conn and takes the bus name.
func (m *MockPackageKit) Register(conn *dbus.Conn) error {
	m.conn = conn
	d := &mockDaemon{m}
	if err := conn.Export(d, packagekit.PkPath, packagekit.PkIface); err != nil {
		return fmt.Errorf("export daemon: %w", err)
	}
	if err := conn.Export(d, packagekit.PkPath, propertiesIface); err != nil {
		return fmt.Errorf("export daemon properties: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(daemonIntrospection), packagekit.PkPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(packagekit.PkIface, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner (reply=%d)", reply)
	}
	return nil
}

// Calls returns a copy of every transaction call so far.
func (m *MockPackageKit) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Hints returns the hints sent to a transaction.
func (m *MockPackageKit) Hints(path dbus.ObjectPath) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hints[path]
}

// Cancels returns how many Cancel calls hit a running transaction.
func (m *MockPackageKit) Cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels
}

type mockDaemon struct{ m *MockPackageKit }

func (d *mockDaemon) CreateTransaction() (dbus.ObjectPath, *dbus.Error) {
	m := d.m
	path := dbus.ObjectPath(fmt.Sprintf("/%d_mock", m.txCtr.Add(1)))
	tx := &mockTransaction{mock: m, path: path}
	if err := m.conn.Export(tx, path, txIface); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return path, nil
}

func (d *mockDaemon) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != packagekit.PkIface {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown interface %s", iface))
	}
	switch property {
	case "Roles":
		return dbus.MakeVariant(uint64(d.m.RolesValue)), nil
	case "MimeTypes":
		return dbus.MakeVariant(d.m.Mime), nil
	case "DistroId":
		return dbus.MakeVariant(d.m.Distro), nil
	}
	return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s", property))
}

func (d *mockDaemon) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	out := make(map[string]dbus.Variant)
	for _, name := range []string{"Roles", "MimeTypes", "DistroId"} {
		v, err := d.Get(iface, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// mockTransaction is one exported transaction object. It finishes at most
// once and is unexported afterwards.
type mockTransaction struct {
	mock *MockPackageKit
	path dbus.ObjectPath

	mu      sync.Mutex
	started bool
	blocked *Call
	done    bool
}

func (t *mockTransaction) SetHints(hints []string) *dbus.Error {
	t.mock.mu.Lock()
	t.mock.hints[t.path] = hints
	t.mock.mu.Unlock()
	return nil
}

func (t *mockTransaction) Resolve(filter uint64, names []string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleResolve, Filter: packagekit.Filter(filter), Values: names})
}

func (t *mockTransaction) SearchFiles(filter uint64, files []string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleSearchFile, Filter: packagekit.Filter(filter), Values: files})
}

func (t *mockTransaction) DependsOn(filter uint64, ids []string, _ bool) *dbus.Error {
	if t.mock.LegacyDepends {
		return &dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod", Body: []any{"DependsOn"}}
	}
	return t.run(Call{Role: packagekit.RoleDependsOn, Filter: packagekit.Filter(filter), Values: ids})
}

func (t *mockTransaction) GetDepends(filter uint64, ids []string, _ bool) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleDependsOn, Filter: packagekit.Filter(filter), Values: ids})
}

func (t *mockTransaction) InstallPackages(flags uint64, ids []string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleInstallPackages, Values: ids, OnlyTrusted: onlyTrusted(flags)})
}

func (t *mockTransaction) InstallFiles(flags uint64, files []string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleInstallFiles, Values: files, OnlyTrusted: onlyTrusted(flags)})
}

func (t *mockTransaction) WhatProvides(filter uint64, kind uint32, values []string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleWhatProvides, Filter: packagekit.Filter(filter), Provides: packagekit.Provides(kind), Values: values})
}

func (t *mockTransaction) RemovePackages(flags uint64, ids []string, _, _ bool) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleRemovePackages, Values: ids, OnlyTrusted: onlyTrusted(flags)})
}

func (t *mockTransaction) AcceptEula(eulaID string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleAcceptEula, Values: []string{eulaID}})
}

func (t *mockTransaction) InstallSignature(_ uint32, keyID, packageID string) *dbus.Error {
	return t.run(Call{Role: packagekit.RoleInstallSignature, Values: []string{keyID, packageID}})
}

func (t *mockTransaction) Cancel() *dbus.Error {
	t.mu.Lock()
	blocked := t.blocked
	t.blocked = nil
	t.mu.Unlock()
	if blocked == nil {
		return nil
	}
	t.mock.mu.Lock()
	t.mock.cancels++
	t.mock.mu.Unlock()
	go t.finish(packagekit.ExitCancelled)
	return nil
}

func onlyTrusted(flags uint64) bool {
	return packagekit.TransactionFlag(flags)&packagekit.TransactionFlagOnlyTrusted != 0
}

// run records c and replies; signals follow from a goroutine so they reach
// the client after the method return.
func (t *mockTransaction) run(c Call) *dbus.Error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return &dbus.Error{Name: "org.freedesktop.PackageKit.Transaction.Error", Body: []any{"transaction already used"}}
	}
	t.started = true
	t.mu.Unlock()

	t.mock.mu.Lock()
	t.mock.calls = append(t.mock.calls, c)
	handler := t.mock.Handler
	t.mock.mu.Unlock()

	var res Result
	if handler != nil {
		res = handler(c)
	}
	if res.IssueErr != nil {
		return dbus.MakeFailedError(res.IssueErr)
	}
	go t.play(c, res)
	return nil
}

func (t *mockTransaction) play(c Call, res Result) {
	for _, ev := range res.Events {
		t.emitEvent(ev)
	}
	for _, p := range res.Packages {
		t.emit("Package", uint32(p.Info), p.ID, p.Summary)
	}
	if res.Block {
		t.mu.Lock()
		t.blocked = &c
		t.mu.Unlock()
		return
	}
	exit := res.Exit
	if exit == packagekit.ExitUnknown {
		exit = packagekit.ExitSuccess
	}
	t.finish(exit)
}

func (t *mockTransaction) emitEvent(ev packagekit.Event) {
	switch ev := ev.(type) {
	case *packagekit.PackageEvent:
		t.emit("Package", uint32(ev.Package.Info), ev.Package.ID, ev.Package.Summary)
	case *packagekit.ErrorCodeEvent:
		t.emit("ErrorCode", uint32(ev.Code), ev.Details)
	case *packagekit.EulaEvent:
		t.emit("EulaRequired", ev.EulaID, ev.PackageID, ev.Vendor, ev.License)
	case *packagekit.SignatureEvent:
		t.emit("RepoSignatureRequired", ev.PackageID, ev.RepoName, ev.KeyURL, ev.KeyUserID,
			ev.KeyID, ev.Fingerprint, ev.Timestamp, uint32(ev.Type))
	case *packagekit.StatusEvent:
		t.changed("Status", uint32(ev.Status))
	case *packagekit.ProgressEvent:
		t.changed("Percentage", ev.Percentage)
	}
}

func (t *mockTransaction) finish(exit packagekit.Exit) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	t.emit("Finished", uint32(exit), uint32(0))
	t.emit("Destroy")
	t.mock.conn.Export(nil, t.path, txIface) //nolint:errcheck
}

func (t *mockTransaction) emit(member string, body ...any) {
	t.mock.conn.Emit(t.path, txIface+"."+member, body...) //nolint:errcheck
}

func (t *mockTransaction) changed(name string, value any) {
	t.mock.conn.Emit(t.path, propertiesIface+".PropertiesChanged", //nolint:errcheck
		txIface, map[string]dbus.Variant{name: dbus.MakeVariant(value)}, []string{})
}
