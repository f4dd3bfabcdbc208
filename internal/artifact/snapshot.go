// Package artifact diffs a caller's download tree around a job run and
// packages the delta into a downloadable zip.
package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStat identifies a file version: a (mtime, size) pair is enough to
// detect the engine rewriting a document in place.
type FileStat struct {
	ModTimeUnixNano int64
	Size            int64
}

// Snapshot maps slash-separated relative paths to their stat at one point
// in time.
type Snapshot map[string]FileStat

// Take walks root and records every regular file. A missing root yields an
// empty snapshot - the caller may not have downloaded anything yet.
func Take(root string) (Snapshot, error) {
	snap := Snapshot{}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return snap, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = FileStat{
			ModTimeUnixNano: info.ModTime().UnixNano(),
			Size:            info.Size(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Changed returns the sorted set of paths present in after that are new or
// modified relative to before. Paths equal to, or nested under, a forced
// prefix are included even when unchanged, so pre-existing tender folders
// can be shipped in full.
func Changed(before, after Snapshot, forcePrefixes []string) []string {
	out := make([]string, 0, len(after))
	for path, stat := range after {
		prev, ok := before[path]
		if !ok || prev != stat || underAny(path, forcePrefixes) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.Trim(filepath.ToSlash(p), "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
