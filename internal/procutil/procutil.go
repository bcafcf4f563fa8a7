// Package procutil reads caller details from /proc: the executable, the
// owner, and the chain of parents up to the session leader.
package procutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// shells are skipped when looking for the program that really asked.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
}

// IsShell reports whether the given comm name is a known shell.
func IsShell(comm string) bool {
	return shells[comm]
}

// Proc reads process details below Root.
type Proc struct {
	Root string
}

// Default reads the real /proc.
var Default = Proc{Root: "/proc"}

func (p Proc) path(pid int32, name string) string {
	return filepath.Join(p.Root, strconv.Itoa(int(pid)), name)
}

// Comm reads the process name. Returns empty string on error.
func (p Proc) Comm(pid int32) string {
	data, err := os.ReadFile(p.path(pid, "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Exe resolves the executable of pid. A " (deleted)" suffix left by an
// upgrade of the binary is dropped.
func (p Proc) Exe(pid int32) (string, error) {
	exe, err := os.Readlink(p.path(pid, "exe"))
	if err != nil {
		return "", fmt.Errorf("reading exe of %d: %w", pid, err)
	}
	return strings.TrimSuffix(exe, " (deleted)"), nil
}

// UID returns the real user ID of pid.
func (p Proc) UID(pid int32) (uint32, error) {
	f, err := os.Open(p.path(pid, "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "Uid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		uid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(uid), nil
	}
	return 0, fmt.Errorf("no Uid line for %d", pid)
}

// statFields returns the fields of /proc/<pid>/stat after ") ".
func (p Proc) statFields(pid int32) []string {
	data, err := os.ReadFile(p.path(pid, "stat"))
	if err != nil {
		return nil
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return nil
	}
	return strings.Fields(s[i+2:])
}

// PPID reads the parent PID. Returns 0 on any error.
func (p Proc) PPID(pid int32) int32 {
	fields := p.statFields(pid)
	if len(fields) < 2 {
		return 0
	}
	ppid, _ := strconv.ParseInt(fields[1], 10, 32)
	return int32(ppid)
}

// IsSessionLeader reports whether pid is a session leader (SID == PID).
func (p Proc) IsSessionLeader(pid int32) bool {
	fields := p.statFields(pid)
	if len(fields) < 4 {
		return false
	}
	// fields[0]=state, [1]=ppid, [2]=pgrp, [3]=session
	sid, _ := strconv.ParseInt(fields[3], 10, 32)
	return int32(sid) == pid
}

// ProcEntry represents a single process in the process chain.
type ProcEntry struct {
	Comm string
	PID  int32
}

// Chain walks from pid up to (but not including) PID 1. With
// trimAtSessionLeader the walk stops at the first session leader.
func (p Proc) Chain(pid int32, trimAtSessionLeader bool) []ProcEntry {
	var chain []ProcEntry
	for cur := pid; cur > 1; cur = p.PPID(cur) {
		comm := p.Comm(cur)
		if comm == "" {
			break
		}
		if trimAtSessionLeader && p.IsSessionLeader(cur) {
			break
		}
		chain = append(chain, ProcEntry{Comm: comm, PID: cur})
	}
	return chain
}

// Invoker skips shells from pid upwards and returns the first real
// program. When every ancestor is a shell pid itself is returned.
func (p Proc) Invoker(pid uint32) (comm string, invokerPID uint32) {
	cur := int32(pid)
	comm = p.Comm(cur)
	if comm == "" {
		return "", 0
	}
	if !IsShell(comm) {
		return comm, pid
	}
	for cur = p.PPID(cur); cur > 1; cur = p.PPID(cur) {
		c := p.Comm(cur)
		if c == "" {
			break
		}
		if !IsShell(c) {
			return c, uint32(cur)
		}
	}
	return comm, pid
}
