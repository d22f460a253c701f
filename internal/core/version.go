package core

import (
	"runtime/debug"
	"strings"
)

var Version = "devel"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		Version = resolveVersion(info)
	}
}

// resolveVersion picks the best version string available from build info.
// Tagged releases (go install, goreleaser) carry the module version;
// local builds fall back to the VCS revision. Pseudo-versions are treated
// as local builds since Go 1.24 stamps them on every `go build`.
func resolveVersion(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}

	if len(revision) > 7 {
		revision = revision[:7]
	}
	v := "devel-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion formats the version string for display, stripping the
// "v" prefix from tagged releases. Devel versions pass through as-is.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v looks like a Go module pseudo-version,
// i.e. ends with a 12-character hex commit hash after the last dash:
// v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndexByte(v, '-')
	if i < 0 || len(v)-i-1 != 12 {
		return false
	}
	for _, c := range v[i+1:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
