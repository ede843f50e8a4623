package version

import (
	"runtime/debug"
	"strings"
)

// Set through -ldflags at release time.
var (
	Version = ""
	Commit  = ""
)

// Resolve returns the release version, falling back to the module version
// and VCS stamp recorded in the binary's build info.
func Resolve() string {
	return resolveVersion(Version, Commit, debug.ReadBuildInfo)
}

func resolveVersion(base, commit string, buildInfo func() (*debug.BuildInfo, bool)) string {
	info, ok := buildInfo()

	if base == "" && ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		base = strings.TrimPrefix(info.Main.Version, "v")
	}
	if base == "" {
		base = "0.0.0"
	}

	if commit != "" {
		return base + "+" + shortRevision(commit)
	}
	if !ok {
		return base
	}

	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return base
	}

	suffix := shortRevision(revision)
	if modified {
		suffix += "-dirty"
	}
	return base + "+" + suffix
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
