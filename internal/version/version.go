// Package version reports the termlink build version.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/termlink"

// buildVersion is set via -ldflags "-X pkt.systems/termlink/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns build information for the running binary.
func Get() Info {
	info := Info{
		Module:    defaultModule,
		Version:   Current(),
		GoVersion: runtime.Version(),
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if path := strings.TrimSpace(build.Main.Path); path != "" {
		info.Module = path
	}
	vcs := readVCS(build)
	info.Revision = vcs.revision
	info.Modified = vcs.modified
	return info
}

// String renders the info as a single line for the version command.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Module)
	b.WriteString(" ")
	b.WriteString(i.Version)
	if i.Revision != "" {
		b.WriteString(" (")
		b.WriteString(shortRevision(i.Revision))
		if i.Modified {
			b.WriteString(", modified")
		}
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(i.GoVersion)
	return b.String()
}

// Current returns the best available version string without a dirty suffix.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return strings.TrimSuffix(v, "+dirty")
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(build.Main.Version); v != "" && v != "(devel)" {
		return strings.TrimSuffix(v, "+dirty")
	}
	if v := pseudoVersion(readVCS(build)); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(build *debug.BuildInfo) vcsInfo {
	var vcs vcsInfo
	if build == nil {
		return vcs
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcs.revision = setting.Value
		case "vcs.time":
			vcs.time = setting.Value
		case "vcs.modified":
			vcs.modified = setting.Value == "true"
		}
	}
	return vcs
}

// pseudoVersion builds a Go-style pseudo version from VCS stamps.
func pseudoVersion(vcs vcsInfo) string {
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(vcs.revision)
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
