package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/nikicat/session-installer/internal/approval"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	auth       *Auth
	handlers   *Handlers
	wsHandler  *WSHandler
	listener   net.Listener
}

// NewServer listens on addr and wires the API routes. An addr of the form
// "unix:/path" listens on a Unix socket instead of TCP. tasks may be nil.
func NewServer(addr string, manager *approval.Manager, tasks Tasks, auth *Auth) (*Server, error) {
	handlers := NewHandlers(manager, tasks)
	wsHandler := NewWSHandler(manager, tasks, auth)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/v1/status", handlers.HandleStatus)
	apiMux.HandleFunc("/api/v1/pending", handlers.HandlePendingList)
	apiMux.HandleFunc("/api/v1/pending/", handlers.HandlePending)
	apiMux.HandleFunc("/api/v1/log", handlers.HandleLog)
	apiMux.HandleFunc("/api/v1/tasks", handlers.HandleTasks)
	apiMux.HandleFunc("/api/v1/tasks/", handlers.HandleTaskCancel)
	apiMux.HandleFunc("/api/v1/ws", wsHandler.HandleWS)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("/api/v1/auth", auth.HandleAuth)
	rootMux.Handle("/api/", auth.Middleware(apiMux))
	rootMux.Handle("/", NewSPAHandler())

	// Listen first so address-in-use surfaces here.
	listener, err := listen(addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Handler:     rootMux,
			ConnContext: connContext,
		},
		auth:      auth,
		handlers:  handlers,
		wsHandler: wsHandler,
		listener:  listener,
	}, nil
}

func listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		// A stale socket from a crashed run blocks bind.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(path, 0o600); err != nil {
			ln.Close()
			return nil, err
		}
		return ln, nil
	}
	return net.Listen("tcp", addr)
}

// Start begins serving HTTP requests. This is non-blocking.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s.listener.Addr().Network() == "unix" {
		return "unix:" + s.listener.Addr().String()
	}
	return s.listener.Addr().String()
}

// URL returns the base URL of the web page, empty for Unix sockets.
func (s *Server) URL() string {
	if s.listener.Addr().Network() == "unix" {
		return ""
	}
	return "http://" + s.listener.Addr().String() + "/"
}

// Shutdown closes WebSockets and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHandler.Close()
	return s.httpServer.Shutdown(ctx)
}

// Auth returns the server's credentials.
func (s *Server) Auth() *Auth {
	return s.auth
}

// WSHandler returns the WebSocket hub so task events can be fed into it.
func (s *Server) WSHandler() *WSHandler {
	return s.wsHandler
}
