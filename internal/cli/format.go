package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Formatter prints command output as tables or JSON.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

const requestRow = "%-8s  %-20s  %7s  %-16s  %-28s  %s\n"

// FormatRequests prints pending prompts as a table.
func (f *Formatter) FormatRequests(requests []PendingRequest) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(requests)
	}
	if len(requests) == 0 {
		fmt.Fprintln(f.w, "No pending prompts")
		return nil
	}
	fmt.Fprintf(f.w, requestRow, "ID", "CALLER", "PID", "KIND", "SUMMARY", "EXPIRES")
	fmt.Fprintf(f.w, requestRow, "--------", strings.Repeat("-", 20), "-------", strings.Repeat("-", 16), strings.Repeat("-", 28), "-------")
	for _, req := range requests {
		fmt.Fprintf(f.w, requestRow,
			truncate(req.ID, 8),
			truncate(callerName(req.Caller), 20),
			formatPID(req.Caller.PID),
			truncate(req.Kind, 16),
			truncate(promptSummary(req), 28),
			formatRemaining(req.ExpiresAt),
		)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}

func callerName(c Caller) string {
	switch {
	case c.Label != "":
		return c.Label
	case c.Exec != "":
		return c.Exec
	case c.Sender != "":
		return c.Sender
	}
	return "-"
}

// promptSummary is the short form of what is being asked.
func promptSummary(req PendingRequest) string {
	switch {
	case len(req.Choices) > 1:
		return fmt.Sprintf("choose 1 of %d", len(req.Choices))
	case len(req.Details) == 1:
		return req.Details[0]
	case len(req.Details) > 1:
		return fmt.Sprintf("%s +%d", req.Details[0], len(req.Details)-1)
	case req.Title != "":
		return req.Title
	}
	return "-"
}

func formatRemaining(expiresAt time.Time) string {
	remaining := time.Until(expiresAt).Round(time.Second)
	if remaining <= 0 {
		return "expired"
	}
	return remaining.String()
}

func formatPID(pid uint32) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

// FormatRequest prints one prompt in full.
func (f *Formatter) FormatRequest(req *PendingRequest) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(req)
	}
	remaining := max(time.Until(req.ExpiresAt).Round(time.Second), 0)

	fmt.Fprintf(f.w, "ID:      %s\n", req.ID)
	fmt.Fprintf(f.w, "Task:    %s\n", req.TaskID)
	fmt.Fprintf(f.w, "Kind:    %s\n", req.Kind)
	fmt.Fprintf(f.w, "Caller:  %s\n", callerName(req.Caller))
	if req.Caller.Exec != "" && req.Caller.Exec != callerName(req.Caller) {
		fmt.Fprintf(f.w, "Exec:    %s\n", req.Caller.Exec)
	}
	if chain := formatChain(req.SenderInfo.ProcessChain); chain != "" {
		fmt.Fprintf(f.w, "Process: %s\n", chain)
	} else if req.Caller.PID != 0 {
		fmt.Fprintf(f.w, "PID:     %d\n", req.Caller.PID)
	}
	fmt.Fprintf(f.w, "Title:   %s\n", req.Title)
	if req.Message != "" {
		fmt.Fprintf(f.w, "Message: %s\n", req.Message)
	}
	for _, d := range req.Details {
		fmt.Fprintf(f.w, "  - %s\n", d)
	}
	if len(req.Choices) > 0 {
		fmt.Fprintln(f.w, "Choices:")
		for _, c := range req.Choices {
			if c.Summary != "" {
				fmt.Fprintf(f.w, "  %s  (%s)\n", c.ID, c.Summary)
			} else {
				fmt.Fprintf(f.w, "  %s\n", c.ID)
			}
		}
	}
	if req.HelpURL != "" {
		fmt.Fprintf(f.w, "Help:    %s\n", req.HelpURL)
	}
	fmt.Fprintf(f.w, "Expires: %s (%s remaining)\n", req.ExpiresAt.Format(time.RFC3339), remaining)
	return nil
}

func formatChain(chain []ProcessInfo) string {
	parts := make([]string, len(chain))
	for i, p := range chain {
		parts[i] = fmt.Sprintf("%s[%d]", p.Name, p.PID)
	}
	return strings.Join(parts, " ← ")
}

const historyRow = "%-8s  %-20s  %-16s  %-10s  %-28s  %s\n"

// FormatHistory prints answered prompts as a table.
func (f *Formatter) FormatHistory(entries []HistoryEntry) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(f.w, "No history entries")
		return nil
	}
	fmt.Fprintf(f.w, historyRow, "ID", "CALLER", "KIND", "RESULT", "SUMMARY", "RESOLVED")
	fmt.Fprintf(f.w, historyRow, "--------", strings.Repeat("-", 20), strings.Repeat("-", 16), "----------", strings.Repeat("-", 28), "--------")
	for _, e := range entries {
		summary := promptSummary(e.Request)
		if e.Request.Choice != "" {
			summary = e.Request.Choice
		}
		fmt.Fprintf(f.w, historyRow,
			truncate(e.Request.ID, 8),
			truncate(callerName(e.Request.Caller), 20),
			truncate(e.Request.Kind, 16),
			truncate(e.Resolution, 10),
			truncate(summary, 28),
			formatAgo(e.ResolvedAt),
		)
	}
	return nil
}

func formatAgo(t time.Time) string {
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return "just now"
	}
	return ago.String() + " ago"
}

const taskRow = "%-8s  %-24s  %-20s  %-14s  %4s  %s\n"

// FormatTasks prints running tasks as a table.
func (f *Formatter) FormatTasks(tasks []TaskInfo) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(f.w, "No running tasks")
		return nil
	}
	fmt.Fprintf(f.w, taskRow, "ID", "ROLE", "CALLER", "STATE", "%", "WHAT")
	fmt.Fprintf(f.w, taskRow, "--------", strings.Repeat("-", 24), strings.Repeat("-", 20), strings.Repeat("-", 14), "----", "----")
	for _, t := range tasks {
		what := t.Packages
		if len(what) == 0 {
			what = t.Files
		}
		fmt.Fprintf(f.w, taskRow,
			truncate(t.ID, 8),
			truncate(t.Role, 24),
			truncate(callerName(t.Caller), 20),
			truncate(t.State, 14),
			formatPercent(t.Percentage),
			strings.Join(what, ", "),
		)
	}
	return nil
}

// formatPercent hides PackageKit's 101 "unknown" value.
func formatPercent(p uint32) string {
	if p > 100 {
		return "-"
	}
	return fmt.Sprintf("%d", p)
}

// FormatStatus prints the service status.
func (f *Formatter) FormatStatus(s *StatusResponse) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(s)
	}
	fmt.Fprintf(f.w, "%-17s%t\n", "Running:", s.Running)
	fmt.Fprintf(f.w, "%-17s%d\n", "Pending prompts:", s.PendingCount)
	fmt.Fprintf(f.w, "%-17s%d\n", "Running tasks:", s.TaskCount)
	fmt.Fprintf(f.w, "%-17s%s\n", "Prompt timeout:", s.PromptTimeout)
	return nil
}

// FormatAction prints the result of approve, deny, choose or cancel.
func (f *Formatter) FormatAction(action, id string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{"status": action, "id": id})
	}
	fmt.Fprintf(f.w, "%s: %s\n", id, action)
	return nil
}

// QueryResult is the reply of a Query or Modify call.
type QueryResult struct {
	Method    string `json:"method"`
	Installed bool   `json:"installed"`
	Package   string `json:"package,omitempty"`
}

// FormatQuery prints the reply of a D-Bus call made by the query and
// install commands.
func (f *Formatter) FormatQuery(r QueryResult) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(r)
	}
	state := "not installed"
	if r.Installed {
		state = "installed"
	}
	if r.Package != "" {
		fmt.Fprintf(f.w, "%s: %s\n", r.Package, state)
		return nil
	}
	fmt.Fprintln(f.w, state)
	return nil
}
