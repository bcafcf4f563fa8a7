package packagekit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nikicat/session-installer/internal/packagekit"
	"github.com/nikicat/session-installer/internal/testutil"
)

func connect(t *testing.T, handler func(testutil.Call) testutil.Result) (*packagekit.Client, *testutil.MockPackageKit) {
	t.Helper()
	addr := testutil.StartBus(t)
	mock := testutil.ServeMock(t, addr, handler)
	client, err := packagekit.Connect(addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mock
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestClient_Properties(t *testing.T) {
	client, mock := connect(t, nil)
	mock.RolesValue = packagekit.Roles(1<<packagekit.RoleResolve | 1<<packagekit.RoleInstallPackages)

	roles, err := client.Roles(ctx(t))
	if err != nil {
		t.Fatalf("Roles: %v", err)
	}
	if !roles.Has(packagekit.RoleResolve) || roles.Has(packagekit.RoleSearchFile) {
		t.Errorf("roles = %b", roles)
	}
	mime, err := client.MimeTypes(ctx(t))
	if err != nil || len(mime) != 1 || mime[0] != "application/x-rpm" {
		t.Errorf("MimeTypes = %v, %v", mime, err)
	}
	distro, err := client.DistroID(ctx(t))
	if err != nil || distro != "fedora;40;x86_64" {
		t.Errorf("DistroID = %q, %v", distro, err)
	}
}

func TestSession_Resolve(t *testing.T) {
	client, mock := connect(t, func(c testutil.Call) testutil.Result {
		return testutil.Result{
			Events: []packagekit.Event{
				&packagekit.StatusEvent{Status: packagekit.Status(1)},
				&packagekit.ProgressEvent{Percentage: 50},
			},
			Packages: []packagekit.Package{testutil.Pkg(packagekit.InfoInstalled, "vim;9.1;x86_64;installed")},
		}
	})

	s, err := client.NewSession(packagekit.Primary)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var sawProgress bool
	if err := s.Resolve(ctx(t), packagekit.Filter(0), []string{"vim"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var fin *packagekit.FinishedEvent
	for fin == nil {
		select {
		case ev := <-s.Events():
			switch ev := ev.(type) {
			case *packagekit.ProgressEvent:
				sawProgress = ev.Percentage == 50
			case *packagekit.FinishedEvent:
				fin = ev
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no Finished event")
		}
	}

	if fin.Exit != packagekit.ExitSuccess || fin.Role != packagekit.RoleResolve {
		t.Errorf("finished = %+v", fin)
	}
	if len(fin.Packages) != 1 || fin.Packages[0].Name() != "vim" || fin.Packages[0].Info != packagekit.InfoInstalled {
		t.Errorf("packages = %+v", fin.Packages)
	}
	if !sawProgress {
		t.Error("progress event not delivered")
	}
	if s.State() != packagekit.StateTerminal {
		t.Errorf("state = %v, want terminal", s.State())
	}

	calls := mock.Calls()
	if len(calls) != 1 || strings.Join(calls[0].Values, ",") != "vim" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSession_HintsAndTrust(t *testing.T) {
	client, mock := connect(t, nil)
	s, _ := client.NewSession(packagekit.Primary)
	defer s.Close()
	s.SetOnlyTrusted(true)

	if _, err := packagekit.Run(ctx(t), s, func(c context.Context) error {
		return s.InstallPackages(c, []string{"vim;9.1;x86_64;fedora"})
	}); err != nil {
		t.Fatalf("InstallPackages: %v", err)
	}
	calls := mock.Calls()
	if len(calls) != 1 || !calls[0].OnlyTrusted {
		t.Errorf("calls = %+v, want only-trusted install", calls)
	}
	hints := mock.Hints("/1_mock")
	if len(hints) < 2 || hints[0] != "interactive=true" {
		t.Errorf("hints = %v", hints)
	}
}

func TestSession_BusyAndRequeue(t *testing.T) {
	client, mock := connect(t, func(c testutil.Call) testutil.Result {
		return testutil.Result{Exit: packagekit.ExitFailed}
	})
	s, _ := client.NewSession(packagekit.Secondary)
	defer s.Close()

	if err := s.Requeue(ctx(t)); err != packagekit.ErrNothingToRequeue {
		t.Errorf("Requeue before any operation = %v", err)
	}

	fin, err := packagekit.Run(ctx(t), s, func(c context.Context) error {
		return s.SearchFiles(c, packagekit.Filter(0), []string{"/usr/bin/vim"})
	})
	if err == nil || fin == nil || fin.Exit != packagekit.ExitFailed {
		t.Fatalf("Run = %+v, %v; want failed exit", fin, err)
	}

	if _, err := packagekit.Run(ctx(t), s, s.Requeue); err == nil {
		t.Error("requeued operation should fail again")
	}
	calls := mock.Calls()
	if len(calls) != 2 || calls[1].Role != packagekit.RoleSearchFile {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSession_Cancel(t *testing.T) {
	client, mock := connect(t, func(c testutil.Call) testutil.Result {
		return testutil.Result{Block: true}
	})
	s, _ := client.NewSession(packagekit.Primary)
	defer s.Close()

	done := make(chan *packagekit.FinishedEvent, 1)
	go func() {
		fin, _ := packagekit.Run(context.Background(), s, func(c context.Context) error {
			return s.InstallFiles(c, []string{"/tmp/vim.rpm"})
		})
		done <- fin
	}()

	deadline := time.Now().Add(5 * time.Second)
	for mock.Cancels() == 0 && time.Now().Before(deadline) {
		if s.State() == packagekit.StateActive {
			s.Cancel(ctx(t)) //nolint:errcheck
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case fin := <-done:
		if fin == nil || fin.Exit != packagekit.ExitCancelled {
			t.Errorf("finished = %+v, want cancelled", fin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled operation did not finish")
	}
}

func TestSession_LegacyDepends(t *testing.T) {
	client, mock := connect(t, nil)
	mock.LegacyDepends = true
	s, _ := client.NewSession(packagekit.Primary)
	defer s.Close()

	if _, err := packagekit.Run(ctx(t), s, func(c context.Context) error {
		return s.DependsOn(c, packagekit.Filter(0), []string{"vim;9.1;x86_64;fedora"})
	}); err != nil {
		t.Fatalf("DependsOn: %v", err)
	}
	if calls := mock.Calls(); len(calls) != 1 || calls[0].Role != packagekit.RoleDependsOn {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSession_Signals(t *testing.T) {
	client, _ := connect(t, func(c testutil.Call) testutil.Result {
		return testutil.Result{Events: []packagekit.Event{
			&packagekit.EulaEvent{EulaID: "eula-1", PackageID: "font;1;noarch;repo", Vendor: "ACME", License: "text"},
			&packagekit.ErrorCodeEvent{Code: packagekit.ErrorCode(1), Details: "oops"},
		}, Exit: packagekit.ExitFailed}
	})
	s, _ := client.NewSession(packagekit.Primary)
	defer s.Close()

	if err := s.InstallPackages(ctx(t), []string{"font;1;noarch;repo"}); err != nil {
		t.Fatal(err)
	}
	var eula *packagekit.EulaEvent
	var code *packagekit.ErrorCodeEvent
	for {
		select {
		case ev := <-s.Events():
			switch ev := ev.(type) {
			case *packagekit.EulaEvent:
				eula = ev
			case *packagekit.ErrorCodeEvent:
				code = ev
			case *packagekit.FinishedEvent:
				if eula == nil || eula.EulaID != "eula-1" || eula.Vendor != "ACME" {
					t.Errorf("eula = %+v", eula)
				}
				if code == nil || code.Details != "oops" {
					t.Errorf("error code = %+v", code)
				}
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no Finished event")
		}
	}
}
