package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override is set at build time with
// -ldflags "-X github.com/ShayCichocki/switchboard/internal/version.Override=v1.2.3".
var Override string

// Get returns the current version, with whitespace trimmed.
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return strings.TrimPrefix(v, "v")
	}
	return strings.TrimSpace(versionContent)
}
