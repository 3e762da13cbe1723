package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var embedded string

// Version is the release from the VERSION file
var Version = strings.TrimSpace(embedded)

// Commit is set at link time with
// -ldflags "-X github.com/amoylab/wshub/pkg/version.Commit=...".
var Commit string

// Get returns the release version of the hub
func Get() string {
	return Version
}

// Revision returns the commit the binary was built from, falling back to the
// VCS stamp the go tool records. Empty when neither is known.
func Revision() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return revisionFrom(info.Settings)
}

func revisionFrom(settings []debug.BuildSetting) string {
	var rev string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

// String renders the version with its revision for the version command and
// startup logs.
func String() string {
	if rev := Revision(); rev != "" {
		return Version + " (" + rev + ")"
	}
	return Version
}
