package task

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	pkdbus "github.com/nikicat/session-installer/internal/dbus"
	"github.com/nikicat/session-installer/internal/packagekit"
)

// Code is the error category returned to callers.
type Code int

const (
	CodeFailed Code = iota
	CodeInternalError
	CodeNoPackagesFound
	CodeForbidden
	CodeCancelled
)

func (c Code) String() string {
	switch c {
	case CodeInternalError:
		return "InternalError"
	case CodeNoPackagesFound:
		return "NoPackagesFound"
	case CodeForbidden:
		return "Forbidden"
	case CodeCancelled:
		return "Cancelled"
	default:
		return "Failed"
	}
}

// Error is the terminal failure of a task.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DBusError converts e to the error name callers see on the bus.
func (e *Error) DBusError() *dbus.Error {
	var name string
	switch e.Code {
	case CodeInternalError:
		name = pkdbus.ErrorInternal
	case CodeNoPackagesFound:
		name = pkdbus.ErrorNoPackagesFound
	case CodeForbidden:
		name = pkdbus.ErrorForbidden
	case CodeCancelled:
		name = pkdbus.ErrorCancelled
	default:
		name = pkdbus.ErrorFailed
	}
	return pkdbus.NewDBusError(name, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// exitError translates a non-success exit into a task error. A backend error
// code, when one was seen, provides the message.
func exitError(exit packagekit.Exit, code packagekit.ErrorCode, details string) *Error {
	if exit == packagekit.ExitCancelled || exit == packagekit.ExitCancelledPriority ||
		code == packagekit.ErrorTransactionCancelled {
		msg := details
		if msg == "" {
			msg = "transaction was cancelled"
		}
		return &Error{Code: CodeCancelled, Message: msg}
	}
	if details != "" {
		return &Error{Code: CodeFailed, Message: details}
	}
	if code != packagekit.ErrorUnknown {
		return &Error{Code: CodeFailed, Message: code.String()}
	}
	return &Error{Code: CodeFailed, Message: fmt.Sprintf("transaction finished with %s", exit)}
}
