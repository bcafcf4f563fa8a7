package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/task"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// WSMessage is one event on the WebSocket.
type WSMessage struct {
	Type string `json:"type"`

	// snapshot. No omitempty so both arrays are always present.
	Requests []PendingRequest `json:"requests"`
	Tasks    []task.Info      `json:"tasks"`
	Version  string           `json:"version,omitempty"`

	// prompt_created
	Request *PendingRequest `json:"request,omitempty"`

	// prompt_resolved, prompt_expired, prompt_cancelled
	ID     string `json:"id,omitempty"`
	Result string `json:"result,omitempty"`
	Choice string `json:"choice,omitempty"`

	// task_started, task_progress, task_warning, task_finished
	Task    *task.Info `json:"task,omitempty"`
	Title   string     `json:"title,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// WSHandler streams prompt and task events to browsers. It implements
// task.Observer; each connection subscribes to the prompt manager itself.
type WSHandler struct {
	manager *approval.Manager
	tasks   Tasks
	auth    *Auth

	connsMu sync.RWMutex
	conns   map[*wsConnection]struct{}
}

var _ task.Observer = (*WSHandler)(nil)

// NewWSHandler creates a new WebSocket handler. tasks may be nil.
func NewWSHandler(manager *approval.Manager, tasks Tasks, auth *Auth) *WSHandler {
	return &WSHandler{
		manager: manager,
		tasks:   tasks,
		auth:    auth,
		conns:   make(map[*wsConnection]struct{}),
	}
}

type wsConnection struct {
	handler *WSHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// HandleWS upgrades GET /api/v1/ws.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.auth.ValidateSession(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	// The connection outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()
	h.manager.Subscribe(wsc)

	if err := wsc.sendSnapshot(); err != nil {
		slog.Debug("failed to send snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// OnEvent implements approval.Observer.
func (wsc *wsConnection) OnEvent(event approval.Event) {
	req := event.Request
	var msg WSMessage
	switch event.Type {
	case approval.EventPromptCreated:
		pr := convertRequest(req)
		msg = WSMessage{Type: "prompt_created", Request: &pr}
	case approval.EventPromptApproved:
		msg = WSMessage{Type: "prompt_resolved", ID: req.ID, Result: "approved", Choice: req.Choice}
	case approval.EventPromptDenied:
		msg = WSMessage{Type: "prompt_resolved", ID: req.ID, Result: "denied"}
	case approval.EventPromptExpired:
		msg = WSMessage{Type: "prompt_expired", ID: req.ID}
	case approval.EventPromptCancelled:
		msg = WSMessage{Type: "prompt_cancelled", ID: req.ID}
	default:
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal WebSocket message", "error", err)
		return
	}
	wsc.enqueue(data)
}

// OnTaskEvent implements task.Observer.
func (h *WSHandler) OnTaskEvent(ev task.Event) {
	info := ev.Task
	msg := WSMessage{Task: &info}
	switch ev.Type {
	case task.EventStarted:
		msg.Type = "task_started"
	case task.EventStateChanged, task.EventProgress:
		msg.Type = "task_progress"
	case task.EventWarning, task.EventInstalled:
		msg.Type = "task_warning"
		msg.Title, msg.Message = ev.Title, ev.Message
	case task.EventFinished:
		msg.Type = "task_finished"
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	default:
		return
	}
	h.broadcast(msg)
}

func (wsc *wsConnection) sendSnapshot() error {
	h := wsc.handler
	msg := WSMessage{
		Type:     "snapshot",
		Requests: convertRequests(h.manager.List()),
		Tasks:    []task.Info{},
		Version:  BuildVersion,
	}
	if h.tasks != nil {
		msg.Tasks = append(msg.Tasks, h.tasks.Tasks()...)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// enqueue drops the message when the peer is too slow.
func (wsc *wsConnection) enqueue(data []byte) {
	select {
	case wsc.send <- data:
	default:
		slog.Warn("WebSocket send buffer full, dropping message")
	}
}

func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case data := <-wsc.send:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump only detects the peer going away; clients send nothing.
func (wsc *wsConnection) readPump() {
	defer wsc.close()
	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

func (wsc *wsConnection) close() {
	wsc.once.Do(func() {
		wsc.cancel()
		wsc.handler.manager.Unsubscribe(wsc)

		wsc.handler.connsMu.Lock()
		delete(wsc.handler.conns, wsc)
		wsc.handler.connsMu.Unlock()

		wsc.conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
	})
}

// Close drops every connection. Used on shutdown.
func (h *WSHandler) Close() {
	h.connsMu.RLock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for wsc := range h.conns {
		conns = append(conns, wsc)
	}
	h.connsMu.RUnlock()
	for _, wsc := range conns {
		wsc.close()
	}
}

func (h *WSHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal broadcast message", "error", err)
		return
	}
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	for wsc := range h.conns {
		wsc.enqueue(data)
	}
}
