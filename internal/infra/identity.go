package infra

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// ResolveAppID derives the stable application identity from a process
// name and executable path. Resolution is deterministic: the same
// executable always maps to the same identity.
func ResolveAppID(name, exe string) domain.AppID {
	return resolveAppID(runtime.GOOS, name, exe)
}

// ResolveAppIDFromPath derives the identity for an executable that may
// not be running (e.g. `block /path/to/bin`). Uses the same rules as
// ResolveAppID so the policy entry matches future sightings.
func ResolveAppIDFromPath(path string) domain.AppID {
	return resolveAppID(runtime.GOOS, filepath.Base(path), path)
}

func resolveAppID(goos, name, exe string) domain.AppID {
	switch goos {
	case "darwin":
		// An executable inside a bundle identifies as the bundle name:
		// /Applications/Safari.app/Contents/MacOS/Safari -> Safari
		if i := strings.Index(exe, ".app/"); i >= 0 {
			bundle := exe[:i+len(".app")]
			return domain.AppID(strings.TrimSuffix(filepath.Base(bundle), ".app"))
		}
	case "windows":
		name = strings.TrimSuffix(name, ".exe")
	}

	if name == "" && exe != "" {
		name = filepath.Base(exe)
	}
	return domain.AppID(name)
}
