// Package version reports the catalogd build.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

// buildVersion is set via -ldflags "-X pkt.systems/catalogd/internal/version.buildVersion=...".
var buildVersion = ""

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Time      string `json:"time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// Current returns the best available version string.
func Current() string {
	return Info().Version
}

// Info collects version and VCS stamps from the linker flag and build info.
func Info() Build {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(strings.TrimSpace(buildVersion), info)
}

func fromBuildInfo(linked string, info *debug.BuildInfo) Build {
	b := Build{Version: linked}
	if info == nil {
		if b.Version == "" {
			b.Version = "v0.0.0-unknown"
		}
		return b
	}
	b.GoVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			b.Revision = setting.Value
		case "vcs.time":
			b.Time = setting.Value
		case "vcs.modified":
			b.Modified = setting.Value == "true"
		}
	}
	if b.Version != "" {
		return b
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		b.Version = v
		return b
	}
	b.Version = pseudoVersion(b)
	return b
}

func pseudoVersion(b Build) string {
	parsed, err := time.Parse(time.RFC3339, b.Time)
	if b.Revision == "" || err != nil {
		return "v0.0.0-unknown"
	}
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if b.Modified {
		v += "+dirty"
	}
	return v
}
