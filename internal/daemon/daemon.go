package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	pkdbus "github.com/nikicat/session-installer/internal/dbus"
)

// Config holds daemon startup parameters.
type Config struct {
	// Conn is the session bus connection to serve on. When nil, Run
	// connects to BusAddress.
	Conn *dbus.Conn

	// BusAddress is the D-Bus address to connect to.
	// Empty means the session bus (production). Non-empty connects to a custom
	// address, used by integration tests to point at a private dbus-daemon.
	BusAddress string

	// IdleTimeout is how long the service stays up with nothing to do.
	// Zero or NoTimedExit keeps it running until ctx ends.
	IdleTimeout time.Duration
	NoTimedExit bool

	// IdleCheck is the idle poll interval; zero means 5s.
	IdleCheck time.Duration

	// Busy reports outstanding work outside the registry, such as
	// unanswered prompts.
	Busy func() bool
}

// Connect opens the bus named by address, or the session bus when empty.
func Connect(address string) (*dbus.Conn, error) {
	var conn *dbus.Conn
	var err error
	if address == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to D-Bus: %w", err)
	}
	return conn, nil
}

// Export publishes reg's Query and Modify objects on conn with
// introspection data.
func Export(conn *dbus.Conn, reg *Registry) error {
	query := &Query{reg: reg}
	modify := &Modify{reg: reg}

	if err := conn.Export(query, pkdbus.ObjectPath, pkdbus.QueryInterface); err != nil {
		return fmt.Errorf("export query: %w", err)
	}
	if err := conn.Export(modify, pkdbus.ObjectPath, pkdbus.ModifyInterface); err != nil {
		return fmt.Errorf("export modify: %w", err)
	}

	// Always export Introspectable; without it busctl introspect gives opaque errors.
	node := &introspect.Node{
		Name: string(pkdbus.ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: pkdbus.QueryInterface, Methods: introspect.Methods(query)},
			{Name: pkdbus.ModifyInterface, Methods: introspect.Methods(modify)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), pkdbus.ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}
	return nil
}

// Run exports the session interfaces, claims the bus name, sends READY=1
// via sd-notify, and blocks until ctx is cancelled or the idle timeout
// passes. Returns nil on clean shutdown, including idle exit.
func Run(ctx context.Context, cfg Config, reg *Registry) error {
	conn := cfg.Conn
	if conn == nil {
		var err error
		conn, err = Connect(cfg.BusAddress)
		if err != nil {
			return err
		}
		defer conn.Close()
	}

	if err := Export(conn, reg); err != nil {
		return err
	}

	// Request the well-known bus name.
	reply, err := conn.RequestName(pkdbus.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %q: %w", pkdbus.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner of %q (reply=%d); policy rejected or name already taken", pkdbus.BusName, reply)
	}
	defer conn.ReleaseName(pkdbus.BusName) //nolint:errcheck

	slog.Info("daemon ready", "bus_name", pkdbus.BusName)

	// Notify systemd that startup is complete.
	SdNotify("READY=1")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if cfg.IdleTimeout > 0 && !cfg.NoTimedExit {
		interval := cfg.IdleCheck
		if interval <= 0 {
			interval = 5 * time.Second
		}
		go reg.WatchIdle(runCtx, interval, cfg.IdleTimeout, cfg.Busy, stop)
	}

	<-runCtx.Done()

	SdNotify("STOPPING=1")
	slog.Info("daemon shutting down", "live_tasks", reg.Live())
	return nil
}
