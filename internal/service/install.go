// Package service installs session-installer as a systemd user service that
// the session bus starts on the first PackageKit call.
package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	pkdbus "github.com/nikicat/session-installer/internal/dbus"
)

const unitFileName = "session-installer.service"

// activationFileName is what the session bus looks for when a client
// calls a name nobody owns.
const activationFileName = pkdbus.BusName + ".service"

const unitTemplate = `[Unit]
Description=Session installer - PackageKit session interface
Documentation=https://github.com/nikicat/session-installer

[Service]
Type=dbus
BusName=%s
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const activationTemplate = `[D-BUS Service]
Name=%s
Exec=%s
SystemdService=%s
`

// Options configures service installation.
type Options struct {
	// ConfigPath, if set, adds --config <path> to the command line.
	ConfigPath string
	// Enable starts the service at login instead of on first use.
	Enable bool
	// Start the service right away.
	Start bool
	// Out receives progress messages; nil means stdout.
	Out io.Writer
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// systemd is the part of the systemd manager API used here.
type systemd interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []sddbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]sddbus.DisableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]any, error)
	Close()
}

// connectFunc opens the user's systemd manager. Replaced in tests.
var connectFunc = func(ctx context.Context) (systemd, error) {
	return sddbus.NewUserConnectionContext(ctx)
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// UnitPath returns where the unit file is (or would be) installed.
func UnitPath() (string, error) {
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "systemd", "user", unitFileName), nil
}

// ActivationPath returns where the D-Bus activation file is (or would be)
// installed.
func ActivationPath() (string, error) {
	dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "dbus-1", "services", activationFileName), nil
}

// executable is the resolved path of the running binary. Replaced in tests.
var executable = func() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("find executable: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return self, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Install writes the unit and activation files and reloads systemd.
func Install(ctx context.Context, opts Options) error {
	self, err := executable()
	if err != nil {
		return err
	}
	execStart := self + " serve"
	if opts.ConfigPath != "" {
		execStart += " --config " + opts.ConfigPath
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	activationPath, err := ActivationPath()
	if err != nil {
		return err
	}
	out := opts.out()

	if err := writeFile(unitPath, fmt.Sprintf(unitTemplate, pkdbus.BusName, execStart)); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote unit file: %s\n", unitPath)
	if err := writeFile(activationPath, fmt.Sprintf(activationTemplate, pkdbus.BusName, execStart, unitFileName)); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote D-Bus activation file: %s\n", activationPath)

	sd, err := connectFunc(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer sd.Close()

	if err := sd.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	if opts.Enable {
		if _, _, err := sd.EnableUnitFilesContext(ctx, []string{unitFileName}, false, true); err != nil {
			return fmt.Errorf("enable %s: %w", unitFileName, err)
		}
		fmt.Fprintf(out, "Enabled %s\n", unitFileName)
	}
	if opts.Start {
		if err := runJob(ctx, func(ch chan<- string) (int, error) {
			return sd.StartUnitContext(ctx, unitFileName, "replace", ch)
		}); err != nil {
			return fmt.Errorf("start %s: %w", unitFileName, err)
		}
		fmt.Fprintf(out, "Started %s\n", unitFileName)
	}
	return nil
}

// Uninstall stops and disables the service and removes both files.
func Uninstall(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	sd, err := connectFunc(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer sd.Close()

	// Not running is fine.
	_ = runJob(ctx, func(ch chan<- string) (int, error) {
		return sd.StopUnitContext(ctx, unitFileName, "replace", ch)
	})
	if _, err := sd.DisableUnitFilesContext(ctx, []string{unitFileName}, false); err != nil {
		return fmt.Errorf("disable %s: %w", unitFileName, err)
	}
	fmt.Fprintf(out, "Disabled %s\n", unitFileName)

	for _, pathFn := range []func() (string, error){UnitPath, ActivationPath} {
		path, err := pathFn()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		fmt.Fprintf(out, "Removed %s\n", path)
	}

	if err := sd.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	return nil
}

// UnitStatus is what Status reports.
type UnitStatus struct {
	ActiveState    string
	SubState       string
	UnitFileState  string
	MainPID        uint32
	UnitPath       string
	ActivationPath string
	Activatable    bool
}

// Status reads the unit's state from systemd.
func Status(ctx context.Context) (*UnitStatus, error) {
	st := &UnitStatus{}
	var err error
	if st.UnitPath, err = UnitPath(); err != nil {
		return nil, err
	}
	if st.ActivationPath, err = ActivationPath(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(st.ActivationPath); err == nil {
		st.Activatable = true
	}

	sd, err := connectFunc(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	defer sd.Close()

	props, err := sd.GetUnitPropertiesContext(ctx, unitFileName)
	if err != nil {
		return nil, fmt.Errorf("get %s properties: %w", unitFileName, err)
	}
	st.ActiveState, _ = props["ActiveState"].(string)
	st.SubState, _ = props["SubState"].(string)
	st.UnitFileState, _ = props["UnitFileState"].(string)
	st.MainPID, _ = props["MainPID"].(uint32)
	return st, nil
}

// Print writes the status in human form.
func (s *UnitStatus) Print(w io.Writer) {
	state := s.ActiveState
	if s.SubState != "" {
		state += " (" + s.SubState + ")"
	}
	fmt.Fprintf(w, "Unit:       %s\n", s.UnitPath)
	fmt.Fprintf(w, "State:      %s\n", state)
	fmt.Fprintf(w, "Unit file:  %s\n", valueOr(s.UnitFileState, "not installed"))
	if s.MainPID != 0 {
		fmt.Fprintf(w, "Main PID:   %d\n", s.MainPID)
	}
	activation := "not installed"
	if s.Activatable {
		activation = s.ActivationPath
	}
	fmt.Fprintf(w, "Activation: %s\n", activation)
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// runJob starts a systemd job and waits for its result.
func runJob(ctx context.Context, start func(chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := start(ch); err != nil {
		return err
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job %s", result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
