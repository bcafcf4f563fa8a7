package task

import (
	"strings"
)

type codecKind int

const (
	codecOther codecKind = iota
	codecDecoder
	codecEncoder
)

// codec is one "description|provide" entry sent by the multimedia helper.
type codec struct {
	Description string
	Provide     string
}

func parseCodecs(entries []string) ([]codec, *Error) {
	out := make([]codec, 0, len(entries))
	for _, e := range entries {
		desc, provide, ok := strings.Cut(e, "|")
		if !ok || provide == "" {
			return nil, newError(CodeInternalError, "codec entry malformed: '%s'", e)
		}
		out = append(out, codec{Description: desc, Provide: provide})
	}
	return out, nil
}

// codecsKind is decoder or encoder only when every entry agrees.
func codecsKind(codecs []codec) codecKind {
	kind := codecOther
	for i, c := range codecs {
		var k codecKind
		switch {
		case strings.HasPrefix(c.Provide, "gstreamer0.10(decoder"), strings.HasPrefix(c.Provide, "gstreamer1(decoder"):
			k = codecDecoder
		case strings.HasPrefix(c.Provide, "gstreamer0.10(encoder"), strings.HasPrefix(c.Provide, "gstreamer1(encoder"):
			k = codecEncoder
		}
		if i == 0 {
			kind = k
		} else if k != kind {
			return codecOther
		}
	}
	return kind
}

const fontTagPrefix = ":lang="

// validateFontTags checks every tag is ":lang=<code>" of sane length.
func validateFontTags(tags []string) *Error {
	for _, t := range tags {
		if !strings.HasPrefix(t, fontTagPrefix) {
			return newError(CodeInternalError, "not recognised prefix: '%s'", t)
		}
		if len(t) < 7 || len(t) > 20 {
			return newError(CodeInternalError, "lang tag malformed: '%s'", t)
		}
	}
	return nil
}

func fontLang(tag string) string {
	return strings.TrimPrefix(tag, fontTagPrefix)
}

// printerTag turns an IEEE-1284 device ID into the "mfg;mdl;" provide tag,
// lowercased with spaces as underscores. ok is false when MFG or MDL is
// missing.
func printerTag(deviceID string) (string, bool) {
	var mfg, mdl string
	for _, field := range strings.Split(deviceID, ";") {
		switch {
		case mfg == "" && strings.HasPrefix(field, "MFG:"):
			mfg = field[4:]
		case mdl == "" && strings.HasPrefix(field, "MDL:"):
			mdl = field[4:]
		}
	}
	if mfg == "" || mdl == "" {
		return "", false
	}
	tag := strings.ToLower(mfg + ";" + mdl + ";")
	return strings.ReplaceAll(tag, " ", "_"), true
}
