// Package version reports the build revision embedded in the binary.
package version

import "runtime/debug"

// AppName identifies the binary in user-agent strings and log banners.
const AppName = "vespid"

// commit can be injected with -ldflags for builds where the .git directory
// is not present (release containers). When empty, the VCS revision stamped
// by the Go toolchain is used instead.
var commit string

// GitCommit holds the short revision hash, or "dev" when neither an ldflags
// override nor build info is available, as happens under `go test`.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return shorten(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "vespid/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
