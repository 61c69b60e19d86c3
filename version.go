package gqlink

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

var (
	// Version is the library version, overridable with -ldflags.
	Version = "v0.1.0"
	// GitCommit is the git SHA (inject via -ldflags at build time).
	GitCommit = "unknown"
	// BuildDate is the build timestamp (inject via -ldflags).
	BuildDate = "unknown"
	// GoVersion records the Go toolchain version used.
	GoVersion = runtime.Version()
)

// GetVersion returns a human-readable version string.
func GetVersion() string {
	return fmt.Sprintf("gqlink %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// UserAgent is sent on every HTTP request and stream handshake unless the
// caller configured its own User-Agent header.
func UserAgent() string {
	return "gqlink/" + strings.TrimPrefix(Version, "v")
}

func setUserAgent(h http.Header) {
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", UserAgent())
	}
}
