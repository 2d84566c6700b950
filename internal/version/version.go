// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release version of the bridge
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for -version and the startup log line.
func String() string {
	return fmt.Sprintf("motion-bridge %s (%s, built %s)", Version, GitSHA, BuildTime)
}
