// Package version exposes the application version derived from build metadata.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback.
//
// Usage:
//
//	version.GitCommit  // "a3f8c2d1" or "dev"
//	version.Full()     // "cadenza/a3f8c2d1" or "cadenza/dev"
package version

import "runtime/debug"

// AppName is the application name used in version strings and protocol handshakes.
const AppName = "cadenza"

// Overrides are set via -ldflags at build time for container builds
// where .git is unavailable. Empty string means no override.
var (
	versionOverride   string
	gitCommitOverride string
	buildDateOverride string
)

// Version is the release version ("v0.3.0" or "dev").
var Version = initVersion()

// GitCommit is the short git commit hash (8 chars) from build info.
// Set to "dev" when build info is unavailable (e.g., `go test`, non-git builds).
var GitCommit = initGitCommit()

// BuildDate is the commit timestamp from build info, RFC3339.
// Set to "unknown" when build info is unavailable.
var BuildDate = initBuildDate()

func initVersion() string {
	if versionOverride != "" {
		return versionOverride
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	if v := buildSetting("vcs.revision"); v != "" {
		return shorten(v)
	}
	return "dev"
}

func initBuildDate() string {
	if buildDateOverride != "" {
		return buildDateOverride
	}
	if v := buildSetting("vcs.time"); v != "" {
		return v
	}
	return "unknown"
}

func buildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

func shorten(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// Full returns "cadenza/<commit>" for use in user-agent strings, logging, etc.
func Full() string {
	return AppName + "/" + GitCommit
}
