package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/consulkit"
	product       = "consulkit"
)

// buildVersion is set via -ldflags "-X pkt.systems/consulkit/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string: the ldflags value, the
// module version, a pseudo-version from VCS stamps, or v0.0.0-unknown.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsPseudoVersion(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path, falling back to pkt.systems/consulkit.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// UserAgent is sent on every Consul request.
func UserAgent() string {
	return product + "/" + Current()
}

// Describe is the one-line banner printed by the version command.
func Describe() string {
	return fmt.Sprintf("%s %s (%s, %s %s/%s)", product, Current(), Module(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func vcsPseudoVersion(settings []debug.BuildSetting) string {
	var revision, stamp string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
