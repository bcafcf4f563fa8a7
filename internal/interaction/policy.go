// Package interaction parses the comma-separated interaction strings that
// control how much a request may prompt or notify the user.
package interaction

import (
	"log/slog"
	"strconv"
	"strings"
)

// Flags is a set of UI-visibility switches.
type Flags uint8

const (
	ConfirmSearch Flags = 1 << iota
	ConfirmDeps
	ConfirmInstall
	ShowProgress
	ShowFinished
	ShowWarning

	All = ConfirmSearch | ConfirmDeps | ConfirmInstall | ShowProgress | ShowFinished | ShowWarning
)

// DefaultTimeout means the package session default applies.
const DefaultTimeout = -1

// Default is the built-in default policy used when configuration is empty.
const Default = "show-confirm-search,show-confirm-deps,show-confirm-install,show-progress,show-finished,show-warning"

var flagNames = map[string]Flags{
	"confirm-search":  ConfirmSearch,
	"confirm-deps":    ConfirmDeps,
	"confirm-install": ConfirmInstall,
	"progress":        ShowProgress,
	"finished":        ShowFinished,
	"warning":         ShowWarning,
}

// Has reports whether every flag in f is set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// String renders the set as show- tokens, or "never" when empty.
func (fl Flags) String() string {
	if fl == 0 {
		return "never"
	}
	var parts []string
	for _, name := range []string{"confirm-search", "confirm-deps", "confirm-install", "progress", "finished", "warning"} {
		if fl.Has(flagNames[name]) {
			parts = append(parts, "show-"+name)
		}
	}
	return strings.Join(parts, ",")
}

// Policy is the merged result of all layers.
type Policy struct {
	Flags   Flags
	Timeout int
}

// Apply folds one interaction string into p. Later tokens override earlier
// ones; tokens that are not understood are skipped.
func (p *Policy) Apply(layer string) {
	for _, tok := range strings.Split(layer, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
		case tok == "always":
			p.Flags = All
		case tok == "never":
			p.Flags = 0
		case strings.HasPrefix(tok, "timeout="):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "timeout="))
			if err != nil {
				slog.Debug("ignoring malformed interaction timeout", "token", tok)
				continue
			}
			p.Timeout = n
		case strings.HasPrefix(tok, "show-"):
			if f, ok := flagNames[strings.TrimPrefix(tok, "show-")]; ok {
				p.Flags |= f
				continue
			}
			slog.Debug("ignoring unknown interaction token", "token", tok)
		case strings.HasPrefix(tok, "hide-"):
			if f, ok := flagNames[strings.TrimPrefix(tok, "hide-")]; ok {
				p.Flags &^= f
				continue
			}
			slog.Debug("ignoring unknown interaction token", "token", tok)
		default:
			slog.Debug("ignoring unknown interaction token", "token", tok)
		}
	}
}

// Parse merges the default, client and enforced layers in that order. The
// enforced layer always wins for the flags it mentions.
func Parse(defaultPolicy, clientPolicy, enforcedPolicy string) (Flags, int) {
	p := Policy{Timeout: DefaultTimeout}
	p.Apply(defaultPolicy)
	p.Apply(clientPolicy)
	p.Apply(enforcedPolicy)
	return p.Flags, p.Timeout
}
