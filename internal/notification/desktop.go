// Package notification shows prompts and task notices as desktop
// notifications.
package notification

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"

	appName = "session-installer"
)

// Urgency levels understood by org.freedesktop.Notifications.
const (
	UrgencyLow      byte = 0
	UrgencyNormal   byte = 1
	UrgencyCritical byte = 2
)

// Notification is one desktop notification.
type Notification struct {
	Summary string
	Body    string
	Icon    string
	// Actions are alternating (id, label) pairs.
	Actions []string
	Urgency byte
	// ExpireMS of -1 leaves the server default.
	ExpireMS int32
}

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify sends a notification and returns its ID.
	Notify(n Notification) (uint32, error)
	// Close closes a notification by ID.
	Close(id uint32) error
}

// Action represents a user interaction with a notification button.
type Action struct {
	NotificationID uint32
	ActionKey      string
}

// DBusNotifier sends notifications via D-Bus and listens for action button clicks.
// It automatically reconnects if the session bus connection drops.
type DBusNotifier struct {
	mu      sync.Mutex
	address string
	conn    *dbus.Conn
	signals chan *dbus.Signal
	actions chan Action
	done    chan struct{}
}

// NewDBusNotifier creates a notifier using a private session bus connection and
// starts listening for ActionInvoked signals. An empty address means the
// session bus.
func NewDBusNotifier(address string) (*DBusNotifier, error) {
	n := &DBusNotifier{
		address: address,
		signals: make(chan *dbus.Signal, 16),
		actions: make(chan Action, 16),
		done:    make(chan struct{}),
	}

	if err := n.connect(); err != nil {
		return nil, err
	}

	go n.processSignals(n.signals)

	return n, nil
}

func (n *DBusNotifier) dial() (*dbus.Conn, error) {
	if n.address == "" {
		return dbus.ConnectSessionBus()
	}
	return dbus.Connect(n.address)
}

// connect establishes a private bus connection and subscribes to
// ActionInvoked signals. Must be called with n.mu held (or during construction).
func (n *DBusNotifier) connect() error {
	conn, err := n.dial()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(notifyInterface),
		dbus.WithMatchMember("ActionInvoked"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to ActionInvoked: %w", err)
	}

	conn.Signal(n.signals)
	n.conn = conn
	return nil
}

// reconnect replaces a dead connection. The old processSignals goroutine
// exits when godbus closes its channel. Must be called with n.mu held.
func (n *DBusNotifier) reconnect() error {
	if n.conn != nil {
		n.conn.Close()
	}
	n.signals = make(chan *dbus.Signal, 16)
	if err := n.connect(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	go n.processSignals(n.signals)
	slog.Info("reconnected to D-Bus session bus")
	return nil
}

// Actions returns a channel that receives action button clicks.
func (n *DBusNotifier) Actions() <-chan Action {
	return n.actions
}

// Stop stops the signal listener goroutine and closes the D-Bus connection.
func (n *DBusNotifier) Stop() {
	close(n.done)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *DBusNotifier) processSignals(ch <-chan *dbus.Signal) {
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != notifyInterface+".ActionInvoked" {
				continue
			}
			var id uint32
			var key string
			if err := dbus.Store(sig.Body, &id, &key); err != nil {
				continue
			}
			select {
			case n.actions <- Action{NotificationID: id, ActionKey: key}:
			case <-n.done:
				return
			}
		}
	}
}

// Notify sends a desktop notification.
// If the D-Bus connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Notify(note Notification) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id, err := n.doNotify(note)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return 0, fmt.Errorf("notify call: %w (reconnect failed: %v)", err, reconnErr)
		}
		id, err = n.doNotify(note)
	}
	return id, err
}

func (n *DBusNotifier) doNotify(note Notification) (uint32, error) {
	actions := note.Actions
	if actions == nil {
		actions = []string{}
	}
	expire := note.ExpireMS
	if expire == 0 {
		expire = -1
	}
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(
		notifyInterface+".Notify",
		0,
		appName,
		uint32(0), // replaces_id
		note.Icon,
		note.Summary,
		note.Body,
		actions,
		map[string]dbus.Variant{
			"urgency":       dbus.MakeVariant(note.Urgency),
			"desktop-entry": dbus.MakeVariant(appName),
		},
		expire,
	)
	if call.Err != nil {
		return 0, fmt.Errorf("notify call: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("store notify result: %w", err)
	}
	return id, nil
}

// Close closes a notification by ID.
// If the D-Bus connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Close(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.doClose(id)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return fmt.Errorf("close notification: %w (reconnect failed: %v)", err, reconnErr)
		}
		err = n.doClose(id)
	}
	return err
}

func (n *DBusNotifier) doClose(id uint32) error {
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(notifyInterface+".CloseNotification", 0, id)
	if call.Err != nil {
		return fmt.Errorf("close notification: %w", call.Err)
	}
	return nil
}
