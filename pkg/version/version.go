// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String is the one-line form used by --version and the version command.
func String() string {
	return fmt.Sprintf("awg-keeper %s (commit %s, built %s)", Version, Commit, BuildTime)
}
