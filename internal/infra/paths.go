// Package infra implements infrastructure concerns (sampling, process,
// liveness marker, firewall strategies, service registration).
package infra

import (
	"os"
	"path/filepath"
)

// Paths holds the runtime file layout, detected from the effective UID.
// Running as root keeps data system-wide so the daemon and sudo-invoked
// CLI commands share the same stores.
type Paths struct {
	DataDir      string // stores, key, liveness marker
	UsageDB      string // samples ledger
	PolicyDB     string // encrypted firewall policy
	LogPath      string
	ErrorLogPath string
	IsRoot       bool
}

// DetectPaths determines the file layout for the current process.
func DetectPaths() *Paths {
	isRoot := os.Geteuid() == 0

	var dataDir string
	if isRoot {
		dataDir = "/var/lib/airtraffic"
	} else {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".airtraffic")
	}

	return &Paths{
		DataDir:      dataDir,
		UsageDB:      filepath.Join(dataDir, "usage.db"),
		PolicyDB:     filepath.Join(dataDir, "policy.db"),
		LogPath:      filepath.Join(dataDir, "daemon.log"),
		ErrorLogPath: filepath.Join(dataDir, "daemon.error.log"),
		IsRoot:       isRoot,
	}
}

// EnsureDataDir creates the data directory with restricted permissions.
func (p *Paths) EnsureDataDir() error {
	return os.MkdirAll(p.DataDir, 0700)
}
