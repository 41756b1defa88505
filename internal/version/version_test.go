package version

import (
	"strings"
	"testing"
)

func TestFullIncludesServiceAndCommit(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version, Commit = "1.2.3", "abc123"
	if got := Full(); got != "alert-hub 1.2.3 (abc123)" {
		t.Fatalf("unexpected version string %q", got)
	}
	build := Current()
	if build.Service != "alert-hub" || build.Commit != "abc123" || !strings.HasPrefix(build.GoVersion, "go") {
		t.Fatalf("unexpected build info %+v", build)
	}
}
