// Package version holds build-time version information for the ragchat binary.
// The variables are populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/ragchat-go/internal/version.Version=v0.4.0 \
//	                    -X github.com/54b3r/ragchat-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/ragchat-go/internal/version.BuildDate=2026-01-01"
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date in RFC3339 format.
var BuildDate = "unknown"

// String renders the three build values on one line.
func String() string {
	return fmt.Sprintf("ragchat %s (commit %s, built %s)", Version, Commit, BuildDate)
}
