package procutil

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// fakeProc builds a /proc-like tree: pid -> (comm, ppid, sid, exe).
func fakeProc(t *testing.T, procs map[int32][4]string) Proc {
	t.Helper()
	root := t.TempDir()
	for pid, p := range procs {
		dir := filepath.Join(root, strconv.Itoa(int(pid)))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		write := func(name, data string) {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		write("comm", p[0]+"\n")
		write("stat", strconv.Itoa(int(pid))+" ("+p[0]+") S "+p[1]+" "+p[2]+" "+p[2]+" 0 -1")
		write("status", "Name:\t"+p[0]+"\nUid:\t1000\t1000\t1000\t1000\n")
		if p[3] != "" {
			if err := os.Symlink(p[3], filepath.Join(dir, "exe")); err != nil {
				t.Fatal(err)
			}
		}
	}
	return Proc{Root: root}
}

func TestCommSelf(t *testing.T) {
	if Default.Comm(int32(os.Getpid())) == "" {
		t.Fatal("Comm on self returned empty string")
	}
	if got := Default.Comm(-1); got != "" {
		t.Errorf("expected empty string for invalid PID, got %q", got)
	}
}

func TestPPIDSelf(t *testing.T) {
	if got, want := Default.PPID(int32(os.Getpid())), int32(os.Getppid()); got != want {
		t.Errorf("PPID = %d, want %d", got, want)
	}
	if got := Default.PPID(-1); got != 0 {
		t.Errorf("expected 0 for invalid PID, got %d", got)
	}
}

func TestIsShell(t *testing.T) {
	for _, name := range []string{"sh", "bash", "zsh", "fish", "dash", "csh", "tcsh", "ksh"} {
		if !IsShell(name) {
			t.Errorf("expected %q to be a shell", name)
		}
	}
	for _, name := range []string{"gedit", "totem", "python3", ""} {
		if IsShell(name) {
			t.Errorf("expected %q to NOT be a shell", name)
		}
	}
}

func TestExeAndUID(t *testing.T) {
	p := fakeProc(t, map[int32][4]string{
		100: {"gedit", "1", "100", "/usr/bin/gedit (deleted)"},
	})
	exe, err := p.Exe(100)
	if err != nil || exe != "/usr/bin/gedit" {
		t.Errorf("Exe = %q, %v", exe, err)
	}
	uid, err := p.UID(100)
	if err != nil || uid != 1000 {
		t.Errorf("UID = %d, %v", uid, err)
	}
	if _, err := p.Exe(999); err == nil {
		t.Error("Exe of missing pid succeeded")
	}
}

func TestChainAndInvoker(t *testing.T) {
	p := fakeProc(t, map[int32][4]string{
		10: {"gnome-shell", "1", "10", ""},
		20: {"totem", "10", "10", ""},
		30: {"bash", "20", "10", ""},
		40: {"sh", "30", "10", ""},
	})
	chain := p.Chain(40, false)
	if len(chain) != 4 || chain[0].Comm != "sh" || chain[3].Comm != "gnome-shell" {
		t.Errorf("chain = %+v", chain)
	}
	if trimmed := p.Chain(40, true); len(trimmed) != 3 {
		t.Errorf("trimmed chain = %+v", trimmed)
	}
	comm, pid := p.Invoker(40)
	if comm != "totem" || pid != 20 {
		t.Errorf("Invoker = %s [%d]", comm, pid)
	}
	if comm, pid := p.Invoker(0); comm != "" || pid != 0 {
		t.Errorf("Invoker(0) = %s [%d]", comm, pid)
	}
}
