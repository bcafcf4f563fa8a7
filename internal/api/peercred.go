package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/procutil"
)

type connContextKey struct{}

// connContext stores the net.Conn in the request context so handlers can
// read Unix socket peer credentials.
func connContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

// peerInfo describes the local process on the other end of a Unix socket
// request. TCP requests yield an empty SenderInfo.
func peerInfo(ctx context.Context, proc procutil.Proc) approval.SenderInfo {
	c, ok := ctx.Value(connContextKey{}).(net.Conn)
	if !ok || c == nil {
		return approval.SenderInfo{}
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return approval.SenderInfo{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return approval.SenderInfo{}
	}

	var cred *unix.Ucred
	var credErr error
	raw.Control(func(fd uintptr) { //nolint:errcheck
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if credErr != nil || cred == nil {
		return approval.SenderInfo{}
	}

	info := approval.SenderInfo{PID: uint32(cred.Pid), UID: cred.Uid}
	for _, p := range proc.Chain(cred.Pid, false) {
		info.ProcessChain = append(info.ProcessChain, approval.ProcessInfo{Name: p.Comm, PID: uint32(p.PID)})
	}
	// The CLI itself is usually run from a shell; name whoever ran it.
	if len(info.ProcessChain) > 1 {
		comm, pid := proc.Invoker(info.ProcessChain[1].PID)
		info.Invoker, info.PID = comm, pid
	}
	return info
}

// logPeer records which local process answered a prompt over the socket.
func logPeer(r *http.Request, promptID, action string) {
	info := peerInfo(r.Context(), procutil.Default)
	if len(info.ProcessChain) == 0 {
		return
	}
	names := make([]string, len(info.ProcessChain))
	for i, p := range info.ProcessChain {
		names[i] = p.Name
	}
	slog.Info("prompt answer from local peer",
		"prompt_id", promptID,
		"action", action,
		"uid", info.UID,
		"invoker", info.Invoker,
		"chain", strings.Join(names, " ← "),
	)
}
