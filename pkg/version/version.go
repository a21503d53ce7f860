// Package version derives the binary's version string from embedded build
// metadata, falling back to "dev" outside a git checkout.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName is the application name used in version strings and logging.
const AppName = "autopilot"

// Commit returns the short VCS revision baked into the binary, or "dev"
// when built without one (e.g. `go test` binaries).
var Commit = sync.OnceValue(func() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "autopilot/<commit>" for user-agent strings and logs.
func Full() string {
	return AppName + "/" + Commit()
}
