package version

import (
	"strings"
	"testing"
)

func TestStringIncludesAllThreeIdentifiers(t *testing.T) {
	origV, origSHA, origTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = origV, origSHA, origTime }()

	Version, GitSHA, BuildTime = "1.2.3", "abc1234", "2026-07-31T00:00:00Z"
	got := String()

	for _, want := range []string{"terrascan", "1.2.3", "abc1234", "2026-07-31T00:00:00Z"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, want it to contain %q", got, want)
		}
	}
}
