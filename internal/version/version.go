// Package version holds build-time identifiers for the terrascan binary,
// overridden at link time via -ldflags (e.g. -X
// .../internal/version.GitSHA=$(git rev-parse --short HEAD)).
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the three build identifiers the way --version prints
// them, so cmd/terrascan and any future admin surface share one format.
func String() string {
	return "terrascan " + Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
