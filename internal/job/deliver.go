package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tenderd/internal/apperrors"
	"tenderd/internal/engine"
	"tenderd/internal/workspace"
)

// deliverTenderDocs resolves a caller-supplied tender reference to a local
// folder, downloads its documents, and returns the folder as a forced
// artifact prefix so pre-existing files ship too.
//
// Download strategy: a full fetch only runs into an empty folder. Once a
// folder has any file, even a partial earlier download, it gets an update
// pass - callers wanting a clean re-fetch clear the folder and request
// mode=full. This mirrors the desktop product's behavior.
func (m *Manager) deliverTenderDocs(ctx context.Context, j *Job, sess *engine.Session, ws workspace.Paths) ([]string, error) {
	ref := stringField(j.payload, "tender_ref")
	if ref == "" {
		return nil, apperrors.Validation("tender_ref", "tender_ref is required")
	}

	mode := stringField(j.payload, "mode")
	switch mode {
	case "", "update", "full":
	default:
		return nil, apperrors.Validation("mode", "mode must be full or update")
	}

	dir, err := m.resolveTenderDir(ws, ref)
	if err != nil {
		return nil, err
	}

	absDir := filepath.Join(ws.DownloadsDir, dir)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tender folder: %w", err)
	}

	download := engine.DownloadUpdate
	if mode == "full" && !hasFiles(absDir) {
		download = engine.DownloadFull
	}

	j.appendLog(fmt.Sprintf("delivering documents for %s into %s", ref, dir))
	if err := m.engine.DeliverTenderDocs(ctx, sess, ref, absDir, download); err != nil {
		return nil, err
	}
	return []string{dir}, nil
}

// resolveTenderDir prefers an existing on-disk folder for the tender over
// the freshly computed name, so renames in the engine's naming scheme do
// not orphan earlier downloads.
func (m *Manager) resolveTenderDir(ws workspace.Paths, ref string) (string, error) {
	computed, err := m.engine.TenderDir(ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tender folder: %w", err)
	}

	entries, err := os.ReadDir(ws.DownloadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return computed, nil
		}
		return "", err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == computed || carriesRef(e.Name(), ref) {
			return e.Name(), nil
		}
	}
	return computed, nil
}

// carriesRef reports whether the folder name contains ref as a whole token
// of the engine's naming scheme. A bare substring match would resolve ref
// "12" into a folder for tender "125".
func carriesRef(name, ref string) bool {
	for _, tok := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '.'
	}) {
		if tok == ref {
			return true
		}
	}
	return false
}

func hasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}
