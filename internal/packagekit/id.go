package packagekit

import (
	"fmt"
	"strings"
)

// PackageID is the parsed form of "name;version;arch;data".
type PackageID struct {
	Name    string
	Version string
	Arch    string
	Data    string
}

// ParseID splits a package identifier into its four fields.
func ParseID(id string) (PackageID, error) {
	parts := strings.Split(id, ";")
	if len(parts) != 4 || parts[0] == "" {
		return PackageID{}, fmt.Errorf("invalid package id %q", id)
	}
	return PackageID{Name: parts[0], Version: parts[1], Arch: parts[2], Data: parts[3]}, nil
}

func (p PackageID) String() string {
	return p.Name + ";" + p.Version + ";" + p.Arch + ";" + p.Data
}

// Installed reports whether the data field marks the package as installed.
// Backends write "installed" or "installed:<repo>".
func (p PackageID) Installed() bool {
	for _, f := range strings.Split(p.Data, ":") {
		if f == "installed" {
			return true
		}
	}
	return false
}

// Package is one result reported by a transaction.
type Package struct {
	Info    Info   `json:"info"`
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// Name returns the package name, or the raw id when it cannot be parsed.
func (p Package) Name() string {
	id, err := ParseID(p.ID)
	if err != nil {
		return p.ID
	}
	return id.Name
}

// Printable returns "name-version.arch" for display.
func (p Package) Printable() string {
	id, err := ParseID(p.ID)
	if err != nil {
		return p.ID
	}
	s := id.Name
	if id.Version != "" {
		s += "-" + id.Version
	}
	if id.Arch != "" {
		s += "." + id.Arch
	}
	return s
}

// IDs returns the package identifiers in order.
func IDs(pkgs []Package) []string {
	ids := make([]string, len(pkgs))
	for i, p := range pkgs {
		ids[i] = p.ID
	}
	return ids
}
