package daemon

import (
	"log/slog"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
)

// SdNotify sends a state notification to systemd via NOTIFY_SOCKET.
// If NOTIFY_SOCKET is not set (non-systemd environment), returns silently.
// Send failures are logged as warnings.
func SdNotify(state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("sd-notify failed", "state", state, "err", err)
		return
	}
	if sent {
		slog.Debug("sd-notify sent", "state", state)
	}
}
