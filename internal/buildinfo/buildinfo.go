// Package buildinfo carries the identity stamped into the binary at link
// time. The update daemon reports versions from git instead; these values
// describe the running build.
package buildinfo

import "fmt"

var (
	// Version is the git describe output, injected with
	// -ldflags "-X github.com/avibox/avibox/internal/buildinfo.Version=...".
	Version = "dev"

	// BuildDate is the UTC build timestamp, injected the same way.
	BuildDate = "unknown"
)

// Summary renders the build identity for banners and health responses.
func Summary() string {
	return fmt.Sprintf("avibox %s (built %s)", Version, BuildDate)
}
