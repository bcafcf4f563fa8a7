package task

import (
	"strings"

	"github.com/leonelquinteros/gotext"
)

// Message catalogue domain. Translations live under
// <locales>/<lang>/LC_MESSAGES/session-installer.po.
const Domain = "session-installer"

// ConfigureLocale loads translations for lang from dir. An empty lang keeps
// the untranslated strings.
func ConfigureLocale(dir, lang string) {
	if lang == "" {
		return
	}
	gotext.Configure(dir, lang, Domain)
}

// callerTitle picks between the named and anonymous form of a title.
func callerTitle(c Caller, named, namedPlural, anon, anonPlural string, n int) string {
	if c.Label != "" {
		return gotext.GetN(named, namedPlural, n, c.Label)
	}
	return gotext.GetN(anon, anonPlural, n)
}

func titleInstallFiles(n int) string {
	return gotext.GetN("Do you want to install this file?", "Do you want to install these files?", n)
}

func titleInstallPackages(c Caller, n int) string {
	return callerTitle(c,
		"%s wants to install a package", "%s wants to install packages",
		"A program wants to install a package", "A program wants to install packages", n)
}

func titleProvideFiles(c Caller, n int) string {
	return callerTitle(c,
		"%s wants to install a file", "%s wants to install files",
		"A program wants to install a file", "A program wants to install files", n)
}

func titleRemoveFiles(c Caller, n int) string {
	return callerTitle(c,
		"%s wants to remove a file", "%s wants to remove files",
		"A program wants to remove a file", "A program wants to remove files", n)
}

func titleMimeTypes(c Caller, n int) string {
	return callerTitle(c,
		"%s requires a new mime type", "%s requires new mime types",
		"A program requires a new mime type", "A program requires new mime types", n)
}

func titleFonts(c Caller, n int) string {
	return callerTitle(c,
		"%s wants to install a font", "%s wants to install fonts",
		"A program wants to install a font", "A program wants to install fonts", n)
}

func titleCodecs(c Caller, kind codecKind, n int) string {
	switch kind {
	case codecDecoder:
		return callerTitle(c,
			"%s requires an additional plugin to decode this file", "%s requires additional plugins to decode this file",
			"An additional plugin is required to decode this file", "Additional plugins are required to decode this file", n)
	case codecEncoder:
		return callerTitle(c,
			"%s requires an additional plugin to encode this file", "%s requires additional plugins to encode this file",
			"An additional plugin is required to encode this file", "Additional plugins are required to encode this file", n)
	default:
		return callerTitle(c,
			"%s requires an additional plugin for this operation", "%s requires additional plugins for this operation",
			"An additional plugin is required for this operation", "Additional plugins are required for this operation", n)
	}
}

func titleCatalogs(n int) string {
	return gotext.GetN("Install packages in catalog?", "Install packages in catalogs?", n)
}

func titleDeps(n int) string {
	return gotext.GetN("An additional package is required:", "Additional packages are required:", n)
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("• ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
