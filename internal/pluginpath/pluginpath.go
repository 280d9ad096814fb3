// Package pluginpath resolves the on-disk filename a Loader should
// actually open for a requested plugin path, falling back through
// version-qualified filenames the way a fleet of hosts running
// different builds side by side would want: {name}_{version}_{os}_{arch}.so.
// The filesystem check is done through an afero.Fs so tests can swap in
// an in-memory filesystem instead of touching disk.
package pluginpath

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/afero"

	"github.com/tyklabs/pluginhost/internal/buildinfo"
	"github.com/tyklabs/pluginhost/log"
)

var fs afero.Fs = afero.NewOsFs()

// SetFilesystem overrides the filesystem used for existence checks.
// Production code never needs to call this; it exists for tests.
func SetFilesystem(f afero.Fs) { fs = f }

func exists(path string) bool {
	ok, err := afero.Exists(fs, path)
	if err != nil || !ok {
		log.Get().Warnf("plugin file %v doesn't exist", path)
		return false
	}
	return true
}

// Resolve returns path unchanged if it exists. Otherwise it tries the
// same path with the host's own build version, OS, and architecture
// spliced in before the extension -- first unprefixed, then with a
// leading "v" -- and falls back to the original path if neither exists
// either, letting the caller's own Open call produce the real error.
func Resolve(path string) string {
	if exists(path) {
		return path
	}

	if versioned := versionedName(buildinfo.Unprefixed(), path); versioned != "" && exists(versioned) {
		return versioned
	}

	if versioned := versionedName(buildinfo.Prefixed(), path); versioned != "" && exists(versioned) {
		return versioned
	}

	return path
}

// versionedName builds {dir}/{name}_{version}_{os}_{arch}.so from path,
// stripping any existing extension from its base name first. It
// returns "" for an empty path.
func versionedName(version, path string) string {
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	qualified := strings.Join([]string{name, version, runtime.GOOS, runtime.GOARCH}, "_") + ".so"
	return filepath.Join(dir, qualified)
}
