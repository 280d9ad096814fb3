// Package buildinfo carries the host's own build version, used to resolve
// which .so a Loader should open when several version-qualified builds of
// the same plugin sit side by side on disk.
package buildinfo

import "strings"

// Version is set at link time via -ldflags "-X ...buildinfo.Version=...".
// It defaults to "dev" for local builds.
var Version = "dev"

// Prefixed returns Version with a leading "v" and without any "-rc1"
// style prerelease suffix.
func Prefixed() string {
	v := Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if idx := strings.IndexByte(v, '-'); idx >= 0 {
		v = v[:idx]
	}
	return v
}

// Unprefixed is Prefixed without the leading "v".
func Unprefixed() string {
	return strings.TrimPrefix(Prefixed(), "v")
}
