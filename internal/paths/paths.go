package paths

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.mailkeep.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mailkeep")
}

// DBPath returns the mail store database path.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "mail.db")
}

// LockPath returns the single-writer lock file path.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// LogDir returns the log directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "mailkeepd.log")
}

// ConfigPath returns the config file path.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// AttachmentDir returns the directory holding downloaded attachment content.
func AttachmentDir(dataDir string) string {
	return filepath.Join(dataDir, "attachments")
}

// EnsureDirs creates the data directory tree with owner-only permissions.
func EnsureDirs(dataDir string) error {
	dirs := []string{
		dataDir,
		LogDir(dataDir),
		AttachmentDir(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
