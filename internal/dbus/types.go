// Package dbus provides D-Bus names and error helpers for the session
// PackageKit interfaces.
package dbus

import "github.com/godbus/dbus/v5"

// Session service names.
const (
	BusName         = "org.freedesktop.PackageKit"
	ObjectPath      = dbus.ObjectPath("/org/freedesktop/PackageKit")
	QueryInterface  = "org.freedesktop.PackageKit.Query"
	ModifyInterface = "org.freedesktop.PackageKit.Modify"
)

// Error names returned to session callers.
const (
	ErrorFailed          = "org.freedesktop.PackageKit.Failed"
	ErrorInternal        = "org.freedesktop.PackageKit.InternalError"
	ErrorNoPackagesFound = "org.freedesktop.PackageKit.NoPackagesFound"
	ErrorForbidden       = "org.freedesktop.PackageKit.Forbidden"
	ErrorCancelled       = "org.freedesktop.PackageKit.Cancelled"
)

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// ErrForbidden returns a Forbidden error.
func ErrForbidden(message string) *dbus.Error {
	return NewDBusError(ErrorForbidden, message)
}

// ErrInternal returns an InternalError error.
func ErrInternal(message string) *dbus.Error {
	return NewDBusError(ErrorInternal, message)
}
