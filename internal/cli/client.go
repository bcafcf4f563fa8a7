// Package cli provides a client for the session-installer HTTP API and the
// table output of its commands.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running service over its HTTP API. The types below
// mirror the API's JSON and are kept separate from internal/api.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for serverAddr, either host:port or
// "unix:/path/to.sock".
func NewClient(serverAddr, token string) *Client {
	c := &Client{
		baseURL:    "http://" + serverAddr,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	if path, ok := strings.CutPrefix(serverAddr, "unix:"); ok {
		c.baseURL = "http://unix"
		c.httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", path)
			},
		}
	}
	return c
}

// Caller is the program that asked for something.
type Caller struct {
	Sender string `json:"sender,omitempty"`
	PID    uint32 `json:"pid,omitempty"`
	Exec   string `json:"exec,omitempty"`
	Label  string `json:"label,omitempty"`
}

// ProcessInfo is one process in a caller's parent chain.
type ProcessInfo struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
}

// SenderInfo describes the process behind a prompt.
type SenderInfo struct {
	PID          uint32        `json:"pid"`
	UID          uint32        `json:"uid"`
	Invoker      string        `json:"invoker"`
	ProcessChain []ProcessInfo `json:"process_chain,omitempty"`
}

// Choice is one option of a choice prompt.
type Choice struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Summary string `json:"summary,omitempty"`
}

// PendingRequest is a prompt waiting for an answer.
type PendingRequest struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Kind       string     `json:"kind"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Details    []string   `json:"details,omitempty"`
	Choices    []Choice   `json:"choices,omitempty"`
	Action     string     `json:"action,omitempty"`
	HelpURL    string     `json:"help_url,omitempty"`
	Caller     Caller     `json:"caller"`
	SenderInfo SenderInfo `json:"sender_info"`
	Choice     string     `json:"choice,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// HistoryEntry is an answered prompt.
type HistoryEntry struct {
	Request    PendingRequest `json:"request"`
	Resolution string         `json:"resolution"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// TaskInfo is a running task.
type TaskInfo struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Interaction string    `json:"interaction"`
	Caller      Caller    `json:"caller"`
	CreatedAt   time.Time `json:"created_at"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	Percentage  uint32    `json:"percentage"`
	Packages    []string  `json:"packages,omitempty"`
	Files       []string  `json:"files,omitempty"`
}

// StatusResponse is the service status.
type StatusResponse struct {
	Running       bool   `json:"running"`
	PendingCount  int    `json:"pending_count"`
	TaskCount     int    `json:"task_count"`
	PromptTimeout string `json:"prompt_timeout"`
	Version       string `json:"version,omitempty"`
}

type pendingResponse struct {
	Requests []PendingRequest `json:"requests"`
}

type historyResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

type tasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Status returns the service status.
func (c *Client) Status() (*StatusResponse, error) {
	var out StatusResponse
	if err := c.getJSON("/api/v1/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns all pending prompts.
func (c *Client) List() ([]PendingRequest, error) {
	var out pendingResponse
	if err := c.getJSON("/api/v1/pending", &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// History returns answered prompts, oldest first.
func (c *Client) History() ([]HistoryEntry, error) {
	var out historyResponse
	if err := c.getJSON("/api/v1/log", &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Tasks returns running tasks.
func (c *Client) Tasks() ([]TaskInfo, error) {
	var out tasksResponse
	if err := c.getJSON("/api/v1/tasks", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Show returns one prompt by ID or unique ID prefix.
func (c *Client) Show(id string) (*PendingRequest, error) {
	requests, err := c.List()
	if err != nil {
		return nil, err
	}
	fullID, err := matchID(id, promptIDs(requests), "prompt")
	if err != nil {
		return nil, err
	}
	for i := range requests {
		if requests[i].ID == fullID {
			return &requests[i], nil
		}
	}
	return nil, fmt.Errorf("prompt not found: %s", id)
}

// Approve accepts a prompt. It returns the full ID.
func (c *Client) Approve(id string) (string, error) {
	return c.answer(id, "approve", nil)
}

// Deny refuses a prompt. It returns the full ID.
func (c *Client) Deny(id string) (string, error) {
	return c.answer(id, "deny", nil)
}

// Choose answers a choice prompt with a package ID or a unique prefix of
// one. It returns the full prompt ID.
func (c *Client) Choose(id, choice string) (string, error) {
	req, err := c.Show(id)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(req.Choices))
	for i, ch := range req.Choices {
		ids[i] = ch.ID
	}
	full, err := matchID(choice, ids, "choice")
	if err != nil {
		return "", err
	}
	return c.answer(req.ID, "choose", map[string]string{"choice": full})
}

// Cancel stops a running task by ID or unique prefix.
func (c *Client) Cancel(id string) (string, error) {
	tasks, err := c.Tasks()
	if err != nil {
		return "", err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	full, err := matchID(id, ids, "task")
	if err != nil {
		return "", err
	}
	return full, c.post("/api/v1/tasks/"+full+"/cancel", nil)
}

func (c *Client) answer(id, action string, body any) (string, error) {
	requests, err := c.List()
	if err != nil {
		return "", err
	}
	full, err := matchID(id, promptIDs(requests), "prompt")
	if err != nil {
		return "", err
	}
	return full, c.post("/api/v1/pending/"+full+"/"+action, body)
}

func promptIDs(requests []PendingRequest) []string {
	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.ID
	}
	return ids
}

// matchID resolves an exact ID or a unique prefix among ids.
func matchID(partial string, ids []string, what string) (string, error) {
	var matches []string
	for _, id := range ids {
		if id == partial {
			return id, nil
		}
		if strings.HasPrefix(id, partial) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no %s found matching: %s", what, partial)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous %s ID %q matches %d", what, partial, len(matches))
	}
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(path string, body any) error {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s", e.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
