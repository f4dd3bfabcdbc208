package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DatabaseEntry is the reserved path of the database snapshot inside an
// artifact. The leading "_meta" segment cannot collide with downloaded
// documents, which always live under tender folders.
const DatabaseEntry = "_meta/tenders.db"

// BuildInput describes one artifact build.
type BuildInput struct {
	Root          string   // downloads directory the snapshots were taken of
	Before        Snapshot // state before the action ran
	After         Snapshot // state after the action ran
	DatabaseFile  string   // caller database; bundled whenever it exists
	OutDir        string   // where the zip is written
	Name          string   // zip file name without extension (job id)
	ForcePrefixes []string // relative prefixes always included
}

// BuildResult reports what was packaged.
type BuildResult struct {
	Path         string // empty when no artifact was produced
	ChangedFiles int
}

// Build packages the changed-file delta into OutDir/Name.zip.
//
// No artifact is produced when nothing changed and no database file exists.
// A database-only artifact (ChangedFiles == 0, Path set) is valid: it lets
// a remote caller resynchronize local state after actions that only touch
// bookkeeping.
func Build(in BuildInput) (*BuildResult, error) {
	changed := Changed(in.Before, in.After, in.ForcePrefixes)

	hasDB := false
	if in.DatabaseFile != "" {
		if _, err := os.Stat(in.DatabaseFile); err == nil {
			hasDB = true
		}
	}

	if len(changed) == 0 && !hasDB {
		return &BuildResult{}, nil
	}

	if err := os.MkdirAll(in.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	outPath := filepath.Join(in.OutDir, in.Name+".zip")
	outFile, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	defer outFile.Close()

	zw := zip.NewWriter(outFile)

	for _, rel := range changed {
		if err := addFile(zw, filepath.Join(in.Root, filepath.FromSlash(rel)), rel); err != nil {
			zw.Close()
			return nil, err
		}
	}

	if hasDB {
		if err := addFile(zw, in.DatabaseFile, DatabaseEntry); err != nil {
			zw.Close()
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return &BuildResult{Path: outPath, ChangedFiles: len(changed)}, nil
}

func addFile(zw *zip.Writer, srcPath, entryName string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = entryName
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header: %w", err)
	}
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", entryName, err)
	}
	return nil
}
