package task

import (
	"io"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/nikicat/session-installer/internal/packagekit"
)

const catalogGroup = "PackageKit Catalog"

// Catalog is what a .catalog file asks to install on this distribution.
type Catalog struct {
	Packages []string
	Files    []string
	Provides []string
}

// Empty reports whether the catalog requests nothing.
func (c *Catalog) Empty() bool {
	return len(c.Packages) == 0 && len(c.Files) == 0 && len(c.Provides) == 0
}

// catalogOptions follow the freedesktop key-file syntax: only '='
// separates, and ';' inside a value is a list separator, not a comment.
var catalogOptions = ini.LoadOptions{
	KeyValueDelimiters:  "=",
	IgnoreInlineComment: true,
	IgnoreContinuation:  true,
}

// ParseCatalog reads a catalog. Keys may be qualified as
// InstallPackages(distro;version;arch); a qualified key applies when it is a
// ';'-aligned prefix of distroID.
func ParseCatalog(r io.Reader, distroID string) (*Catalog, error) {
	f, err := ini.LoadSources(catalogOptions, io.NopCloser(r))
	if err != nil {
		return nil, err
	}
	sec, err := f.GetSection(catalogGroup)
	if err != nil {
		return nil, err
	}
	c := &Catalog{}
	for _, k := range sec.Keys() {
		key, qual, _ := strings.Cut(k.Name(), "(")
		if qual != "" {
			qual = strings.TrimSuffix(qual, ")")
			if !distroMatches(qual, distroID) {
				continue
			}
		}
		values := k.Strings(";")
		switch key {
		case "InstallPackages":
			c.Packages = appendUnique(c.Packages, values...)
		case "InstallFiles":
			c.Files = appendUnique(c.Files, values...)
		case "InstallProvides":
			c.Provides = appendUnique(c.Provides, values...)
		}
	}
	return c, nil
}

func distroMatches(qual, distroID string) bool {
	if !strings.HasPrefix(distroID, qual) {
		return false
	}
	return len(distroID) == len(qual) || distroID[len(qual)] == ';'
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

// catalogQuery is one lookup still to run for a catalog task.
type catalogQuery struct {
	role   packagekit.Role
	values []string
}

func (c *Catalog) queries() []catalogQuery {
	var qs []catalogQuery
	if len(c.Packages) > 0 {
		qs = append(qs, catalogQuery{packagekit.RoleResolve, c.Packages})
	}
	if len(c.Files) > 0 {
		qs = append(qs, catalogQuery{packagekit.RoleSearchFile, c.Files})
	}
	if len(c.Provides) > 0 {
		qs = append(qs, catalogQuery{packagekit.RoleWhatProvides, c.Provides})
	}
	return qs
}

// mergePackages appends pkgs not already present by ID.
func mergePackages(dst []packagekit.Package, pkgs []packagekit.Package) []packagekit.Package {
	for _, p := range pkgs {
		dup := false
		for _, d := range dst {
			if d.ID == p.ID {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, p)
		}
	}
	return dst
}
