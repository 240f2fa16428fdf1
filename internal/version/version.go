// Package version holds build metadata injected with -ldflags.
package version

import "strings"

var (
	// Version is the semantic version.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "none"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

const shortCommitLen = 7

// ShortCommit returns the abbreviated commit hash.
func ShortCommit() string {
	if len(Commit) > shortCommitLen {
		return Commit[:shortCommitLen]
	}
	return Commit
}

// String returns formatted version information.
func String() string {
	var b strings.Builder
	b.WriteString(Version)
	b.WriteString(" (commit: ")
	b.WriteString(ShortCommit())
	b.WriteString(", built: ")
	b.WriteString(BuildDate)
	b.WriteString(")")
	return b.String()
}
