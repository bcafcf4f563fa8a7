package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

const busConfigTemplate = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=%s</listen>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>`

// StartBus runs a private dbus-daemon for the test and returns its address.
// The test is skipped when dbus-daemon is not installed.
func StartBus(t testing.TB) string {
	t.Helper()
	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	dir := t.TempDir()
	sock := filepath.Join(dir, "bus.sock")
	conf := filepath.Join(dir, "bus.conf")
	if err := os.WriteFile(conf, []byte(fmt.Sprintf(busConfigTemplate, sock)), 0o600); err != nil {
		t.Fatalf("write bus config: %v", err)
	}

	cmd := exec.Command("dbus-daemon", "--config-file="+conf, "--nofork")
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	for n := 0; n < 50; n++ {
		if _, err := os.Stat(sock); err == nil {
			return "unix:path=" + sock
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

// ServeMock connects to addr and registers a MockPackageKit on it.
func ServeMock(t testing.TB, addr string, handler func(Call) Result) *MockPackageKit {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect mock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	mock := NewMockPackageKit(handler)
	if err := mock.Register(conn); err != nil {
		t.Fatalf("register mock: %v", err)
	}
	return mock
}
