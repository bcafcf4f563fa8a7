package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
)

// BuildVersion identifies the embedded page so a stale browser tab can
// tell it must reload. TEST_BUILD_VERSION overrides it.
var BuildVersion string

func init() {
	if override := os.Getenv("TEST_BUILD_VERSION"); override != "" {
		BuildVersion = override
		return
	}
	BuildVersion = computeVersion()
}

func computeVersion() string {
	content, err := fs.ReadFile(WebAssets, "web/dist/index.html")
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:12]
}
