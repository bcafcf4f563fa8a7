package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"gopkg.in/ini.v1"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/packagekit"
	"github.com/nikicat/session-installer/internal/procutil"
	"github.com/nikicat/session-installer/internal/task"
)

// trustedHelpers ask on behalf of another window; the desktop file of the
// helper itself would only confuse the user.
var trustedHelpers = map[string]bool{
	"/usr/libexec/gst-install-plugins-helper": true,
	"/usr/libexec/pk-gstreamer-install":       true,
}

const helperLabel = "Multimedia plugin helper"

// busClient abstracts the bus daemon queries for testing.
type busClient interface {
	GetConnectionUnixProcessID(sender string) (uint32, error)
}

// CallerResolver works out who is calling: the process ID from the bus, the
// executable from /proc, and a label and icon from the desktop file of the
// package that owns the executable.
type CallerResolver struct {
	client    busClient
	proc      procutil.Proc
	backend   packagekit.Backend
	dataDirs  []string
	lang      string
	trimChain bool
}

// NewCallerResolver creates a resolver using the given session connection.
// backend may be nil, in which case the executable name is the label.
func NewCallerResolver(conn *dbus.Conn, backend packagekit.Backend, lang string) *CallerResolver {
	return &CallerResolver{
		client:    &realBusClient{conn: conn},
		proc:      procutil.Default,
		backend:   backend,
		dataDirs:  xdgDataDirs(),
		lang:      lang,
		trimChain: true,
	}
}

func xdgDataDirs() []string {
	var dirs []string
	if home := os.Getenv("XDG_DATA_HOME"); home != "" {
		dirs = append(dirs, home)
	} else if h, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(h, ".local", "share"))
	}
	sys := os.Getenv("XDG_DATA_DIRS")
	if sys == "" {
		sys = "/usr/local/share:/usr/share"
	}
	return append(dirs, filepath.SplitList(sys)...)
}

// Resolve describes sender. It never fails; unknown parts stay empty.
func (r *CallerResolver) Resolve(ctx context.Context, sender string, xid uint32) task.Caller {
	c := task.Caller{Sender: sender, XID: xid}

	pid, err := r.client.GetConnectionUnixProcessID(sender)
	if err != nil {
		slog.Warn("failed to get connection PID", "sender", sender, "error", err)
		return c
	}
	c.PID = pid

	exe, err := r.proc.Exe(int32(pid))
	if err != nil {
		slog.Debug("failed to read caller executable", "pid", pid, "error", err)
		return c
	}
	c.Exec = exe

	if trustedHelpers[exe] {
		c.Label = helperLabel
		return c
	}

	name := r.owningPackage(ctx, exe)
	if name != "" {
		c.Label, c.Icon = r.desktopEntry(name)
		if c.Label == "" {
			c.Label = name
		}
	}
	if c.Label == "" {
		c.Label = filepath.Base(exe)
	}
	return c
}

// owningPackage finds the installed package that ships file.
func (r *CallerResolver) owningPackage(ctx context.Context, file string) string {
	if r.backend == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := r.backend.NewSession(packagekit.Primary)
	if err != nil {
		slog.Debug("failed to create lookup session", "error", err)
		return ""
	}
	defer s.Close()

	fin, err := packagekit.Run(ctx, s, func(ctx context.Context) error {
		return s.SearchFiles(ctx, packagekit.FilterInstalled, []string{file})
	})
	if err != nil {
		slog.Debug("failed to find package for executable", "exec", file, "error", err)
		return ""
	}
	if len(fin.Packages) == 0 {
		return ""
	}
	return fin.Packages[0].Name()
}

// desktopFileOptions follow the freedesktop key-file syntax: only '='
// separates, and ';' or '#' inside a value are not comments.
var desktopFileOptions = ini.LoadOptions{
	KeyValueDelimiters:  "=",
	IgnoreInlineComment: true,
	IgnoreContinuation:  true,
}

// desktopEntry reads the localized name and icon from <pkg>.desktop.
func (r *CallerResolver) desktopEntry(pkg string) (name, icon string) {
	for _, dir := range r.dataDirs {
		path := filepath.Join(dir, "applications", pkg+".desktop")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := ini.LoadSources(desktopFileOptions, path)
		if err != nil {
			slog.Debug("failed to parse desktop file", "package", pkg, "error", err)
			continue
		}
		sec, err := f.GetSection("Desktop Entry")
		if err != nil {
			continue
		}
		return localeValue(sec, "Name", r.lang), sec.Key("Icon").String()
	}
	return "", ""
}

// localeValue prefers key[de_DE], then key[de], then the plain key.
func localeValue(sec *ini.Section, key, lang string) string {
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	if lang != "" {
		short, _, _ := strings.Cut(lang, "_")
		for _, l := range []string{lang, short} {
			if sec.HasKey(key + "[" + l + "]") {
				return sec.Key(key + "[" + l + "]").String()
			}
		}
	}
	return sec.Key(key).String()
}

// SenderInfo expands a caller into what a prompt shows: the owner and the
// chain of parent processes. It implements approval.SenderLookup.
func (r *CallerResolver) SenderInfo(c task.Caller) approval.SenderInfo {
	info := approval.SenderInfo{Sender: c.Sender, PID: c.PID}
	if c.PID == 0 {
		return info
	}
	if uid, err := r.proc.UID(int32(c.PID)); err == nil {
		info.UID = uid
	}
	chain := r.proc.Chain(int32(c.PID), r.trimChain)
	if len(chain) == 0 {
		return info
	}
	info.ProcessChain = make([]approval.ProcessInfo, len(chain))
	for i, entry := range chain {
		info.ProcessChain[i] = approval.ProcessInfo{Name: entry.Comm, PID: uint32(entry.PID)}
	}
	comm, invoker := r.proc.Invoker(c.PID)
	info.Invoker = comm
	info.PID = invoker
	return info
}

// execIgnored reports whether exe matches one of the configured patterns.
// Patterns are shell globs or plain paths.
func execIgnored(exe string, patterns []string) bool {
	if exe == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == exe {
			return true
		}
		if ok, err := filepath.Match(p, exe); err == nil && ok {
			return true
		}
	}
	return false
}

// realBusClient implements busClient using a real D-Bus connection.
type realBusClient struct {
	conn *dbus.Conn
}

func (c *realBusClient) GetConnectionUnixProcessID(sender string) (uint32, error) {
	var pid uint32
	err := c.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender).Store(&pid)
	return pid, err
}
