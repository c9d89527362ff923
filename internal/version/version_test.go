package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3+dirty"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
	if got := Get().Version; got != "v1.2.3" {
		t.Fatalf("expected info version, got %q", got)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	vcs := readVCS(&debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	if !vcs.modified {
		t.Fatalf("expected modified flag")
	}
	if got := pseudoVersion(vcs); got != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected pseudo version: %q", got)
	}
	if pseudoVersion(readVCS(nil)) != "" {
		t.Fatalf("expected empty version for nil build info")
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Module: "pkt.systems/termlink", Version: "v1.0.0", Revision: "abcdef0123456789", Modified: true, GoVersion: "go1.25.2"}
	got := info.String()
	if !strings.Contains(got, "v1.0.0 (abcdef012345, modified)") || !strings.HasSuffix(got, "go1.25.2") {
		t.Fatalf("unexpected string: %q", got)
	}
}
