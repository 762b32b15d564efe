// Package version provides build-time version information for streamd.
package version

import "runtime"

// version is set at build time via -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version.
func String() string {
	return version
}

// Runtime returns the Go runtime version recorded in lock records.
func Runtime() string {
	return runtime.Version()
}
