// Package workspace lays out caller-scoped storage directories.
//
// Every API caller gets its own root under the service data directory, so
// two desktop installations never see each other's projects, downloads or
// database. The caller id is taken from the job payload and sanitized to a
// safe directory name.
package workspace

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCaller is used when a request carries no usable caller identity.
const DefaultCaller = "default"

const maxCallerLen = 24

// Paths describes one caller's storage layout.
type Paths struct {
	Root         string
	ProjectsDir  string
	DownloadsDir string
	TemplatesDir string
	DatabaseFile string
}

// SanitizeCallerID reduces a caller identity fragment to a lowercase
// alphanumeric directory name. Anything else maps to DefaultCaller.
func SanitizeCallerID(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= maxCallerLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return DefaultCaller
	}
	return b.String()
}

// ForCaller returns the storage layout for a caller under dataDir.
func ForCaller(dataDir, callerID string) Paths {
	root := filepath.Join(dataDir, "callers", SanitizeCallerID(callerID))
	return Paths{
		Root:         root,
		ProjectsDir:  filepath.Join(root, "projects"),
		DownloadsDir: filepath.Join(root, "downloads"),
		TemplatesDir: filepath.Join(root, "templates"),
		DatabaseFile: filepath.Join(root, "tenders.db"),
	}
}

// Ensure creates the caller's directories if missing.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.ProjectsDir, p.DownloadsDir, p.TemplatesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// RestoreDatabase writes a base64-encoded database snapshot to the caller's
// database file, replacing whatever was there. Called before the engine
// initializes its storage so a remote client can push local state up.
func (p Paths) RestoreDatabase(encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid database snapshot: %w", err)
	}
	if err := os.WriteFile(p.DatabaseFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write database snapshot: %w", err)
	}
	return nil
}
