// Package buildinfo carries version identifiers stamped at link time via
// -ldflags "-X pollrelief/internal/buildinfo.Version=...".
package buildinfo

var (
	Version = "dev"
	Commit  = "unknown"
)
