package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/config"
	"github.com/nikicat/session-installer/internal/daemon"
	pkdbus "github.com/nikicat/session-installer/internal/dbus"
	"github.com/nikicat/session-installer/internal/interaction"
	"github.com/nikicat/session-installer/internal/packagekit"
	"github.com/nikicat/session-installer/internal/task"
	"github.com/nikicat/session-installer/internal/testutil"
)

// testEnv is the service running between two private buses: the session
// bus it serves on and a "system" bus with a mock package daemon.
type testEnv struct {
	t       *testing.T
	mock    *testutil.MockPackageKit
	manager *approval.Manager
	reg     *daemon.Registry
	obj     dbus.BusObject
}

func newTestEnv(t *testing.T, handler func(testutil.Call) testutil.Result) *testEnv {
	t.Helper()
	sessionAddr := testutil.StartBus(t)
	systemAddr := testutil.StartBus(t)
	mock := testutil.ServeMock(t, systemAddr, handler)

	backend, err := packagekit.Connect(systemAddr)
	if err != nil {
		t.Fatalf("connect package daemon: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	manager := approval.NewManager(5*time.Second, 10)
	reg := daemon.NewRegistry(ctx, daemon.Deps{
		Backend: backend,
		Gate:    manager,
		Files:   task.NewFileChecker(t.TempDir()),
	}, policyFrom(config.PolicyConfig{}))

	errCh := make(chan error, 1)
	go func() { errCh <- daemon.Run(ctx, daemon.Config{BusAddress: sessionAddr}, reg) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	client, err := dbus.Connect(sessionAddr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	env := &testEnv{t: t, mock: mock, manager: manager, reg: reg, obj: client.Object(pkdbus.BusName, pkdbus.ObjectPath)}
	env.waitForName(client)
	return env
}

func (e *testEnv) waitForName(conn *dbus.Conn) {
	for n := 0; n < 50; n++ {
		var owned bool
		if err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, pkdbus.BusName).Store(&owned); err == nil && owned {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.t.Fatalf("bus name %s not registered in time", pkdbus.BusName)
}

// answerPrompts answers every prompt that shows up until done is closed.
func (e *testEnv) answerPrompts(approve bool, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-time.After(20 * time.Millisecond):
		}
		for _, req := range e.manager.List() {
			if approve {
				e.manager.Approve(req.ID) //nolint:errcheck
			} else {
				e.manager.Deny(req.ID) //nolint:errcheck
			}
		}
	}
}

func resolveAvailable(c testutil.Call) testutil.Result {
	switch c.Role {
	case packagekit.RoleResolve:
		if c.Values[0] == "vim" {
			return testutil.Result{Packages: []packagekit.Package{testutil.Pkg(packagekit.InfoInstalled, "vim;9.1;x86_64;installed")}}
		}
		return testutil.Result{Packages: []packagekit.Package{testutil.Pkg(packagekit.InfoAvailable, c.Values[0]+";1.0;x86_64;fedora")}}
	}
	return testutil.Result{}
}

func errorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name
	}
	return ""
}

func TestEndToEnd_IsInstalled(t *testing.T) {
	env := newTestEnv(t, resolveAvailable)

	var installed bool
	if err := env.obj.Call(pkdbus.QueryInterface+".IsInstalled", 0, "vim", "never").Store(&installed); err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if !installed {
		t.Error("IsInstalled(vim) = false")
	}
	if err := env.obj.Call(pkdbus.QueryInterface+".IsInstalled", 0, "emacs", "never").Store(&installed); err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if installed {
		t.Error("IsInstalled(emacs) = true")
	}
}

func TestEndToEnd_InstallApproved(t *testing.T) {
	env := newTestEnv(t, resolveAvailable)
	done := make(chan struct{})
	defer close(done)
	go env.answerPrompts(true, done)

	call := env.obj.Call(pkdbus.ModifyInterface+".InstallPackageNames", 0,
		uint32(0), []string{"emacs"}, "show-confirm-install,hide-confirm-deps")
	if call.Err != nil {
		t.Fatalf("InstallPackageNames: %v", call.Err)
	}

	var installs []testutil.Call
	for _, c := range env.mock.Calls() {
		if c.Role == packagekit.RoleInstallPackages {
			installs = append(installs, c)
		}
	}
	if len(installs) != 1 || installs[0].Values[0] != "emacs;1.0;x86_64;fedora" {
		t.Errorf("install calls = %+v", installs)
	}
	if hist := env.manager.History(); len(hist) == 0 || hist[0].Resolution != approval.ResolutionApproved {
		t.Errorf("history = %+v", hist)
	}
}

func TestEndToEnd_InstallDenied(t *testing.T) {
	env := newTestEnv(t, resolveAvailable)
	done := make(chan struct{})
	defer close(done)
	go env.answerPrompts(false, done)

	call := env.obj.Call(pkdbus.ModifyInterface+".InstallPackageNames", 0,
		uint32(0), []string{"emacs"}, "show-confirm-install")
	if call.Err == nil {
		t.Fatal("InstallPackageNames succeeded after the prompt was denied")
	}
	if name := errorName(call.Err); name != pkdbus.ErrorCancelled {
		t.Errorf("error = %v, want %s", call.Err, pkdbus.ErrorCancelled)
	}
	for _, c := range env.mock.Calls() {
		if c.Role == packagekit.RoleInstallPackages {
			t.Errorf("package installed despite denial: %+v", c)
		}
	}
}

func TestEndToEnd_PolicyReload(t *testing.T) {
	env := newTestEnv(t, resolveAvailable)

	// An enforced "never" answers without prompting even when the caller
	// asks for confirmation.
	env.reg.SetPolicy(policyFrom(config.PolicyConfig{EnforcedInteraction: "never"}))
	call := env.obj.Call(pkdbus.ModifyInterface+".InstallPackageNames", 0,
		uint32(0), []string{"emacs"}, "show-confirm-install")
	if call.Err != nil {
		t.Fatalf("InstallPackageNames: %v", call.Err)
	}
	if hist := env.manager.History(); len(hist) != 0 {
		t.Errorf("prompted under enforced never: %+v", hist)
	}
}

func TestPolicyFrom(t *testing.T) {
	p := policyFrom(config.PolicyConfig{})
	if p.DefaultInteraction != interaction.Default {
		t.Errorf("DefaultInteraction = %q", p.DefaultInteraction)
	}
	if !p.Settings.ShowDependsConfirm || !p.Settings.EnableFontHelper {
		t.Errorf("settings = %+v, want helpers enabled", p.Settings)
	}

	empty, off := "", false
	p = policyFrom(config.PolicyConfig{
		DefaultInteraction:  &empty,
		EnforcedInteraction: "hide-finished",
		EnableFontHelper:    &off,
		IgnoredExecs:        []string{"/usr/bin/*"},
	})
	if p.DefaultInteraction != "" || p.EnforcedInteraction != "hide-finished" {
		t.Errorf("interaction = %q / %q", p.DefaultInteraction, p.EnforcedInteraction)
	}
	if p.Settings.EnableFontHelper || len(p.IgnoredExecs) != 1 {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := loadConfig("")
	if err != nil || cfg.Listen != "" {
		t.Fatalf("missing default config = %+v, %v", cfg, err)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config should fail")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("listen: unix:/run/si.sock\nserve:\n  idle_timeout: 2m\n"), 0o600) //nolint:errcheck
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "unix:/run/si.sock" || time.Duration(cfg.Serve.IdleTimeout) != 2*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestWatchPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if got := watchPath("/etc/si.yaml"); got != "/etc/si.yaml" {
		t.Errorf("explicit = %q", got)
	}
	if got := watchPath(""); got != "" {
		t.Errorf("watchPath without config dir = %q", got)
	}
	os.MkdirAll(filepath.Join(dir, "session-installer"), 0o755) //nolint:errcheck
	if got := watchPath(""); got != filepath.Join(dir, "session-installer", "config.yaml") {
		t.Errorf("default = %q", got)
	}
}

func TestInstallMethodsExported(t *testing.T) {
	env := newTestEnv(t, nil)
	var xml string
	if err := env.obj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Store(&xml); err != nil {
		t.Fatal(err)
	}
	for kind, method := range installMethods {
		if !strings.Contains(xml, `name="`+method+`"`) {
			t.Errorf("install %s maps to %s, which is not exported", kind, method)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "warn": "WARN", "error": "ERROR", "bogus": "INFO"} {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
