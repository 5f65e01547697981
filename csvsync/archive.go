package csvsync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// archiveHashLen is how much of the csv hash disambiguates an archived name.
const archiveHashLen = 12

// Archive moves the synced csv into s.ArchiveDir and returns where it went.
// If the archive already holds a different csv of the same name, the new one
// is stored as <name>-<hash prefix>.csv.
func (s Source) Archive(csvHash string) (string, error) {
	if strings.TrimSpace(s.ArchiveDir) == "" {
		return "", fmt.Errorf("archive csv %s: no archive dir", s.Path())
	}
	if err := os.MkdirAll(s.ArchiveDir, 0o755); err != nil {
		return "", fmt.Errorf("archive csv: create %s: %w", s.ArchiveDir, err)
	}
	dst := archivePath(s.ArchiveDir, filepath.Base(s.Path()), csvHash)

	if err := os.Rename(s.Path(), dst); err == nil {
		return dst, nil
	}
	// The archive can be on another volume from the inbox.
	if err := copyCSV(s.Path(), dst); err != nil {
		return "", fmt.Errorf("archive csv %s: %w", s.Path(), err)
	}
	if err := os.Remove(s.Path()); err != nil {
		return "", fmt.Errorf("archive csv: remove synced %s: %w", s.Path(), err)
	}
	return dst, nil
}

func archivePath(dir, name, csvHash string) string {
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err != nil {
		return dst
	}
	h := csvHash
	if len(h) > archiveHashLen {
		h = h[:archiveHashLen]
	}
	ext := filepath.Ext(name)
	return filepath.Join(dir, strings.TrimSuffix(name, ext)+"-"+h+ext)
}

// copyCSV writes a partial file next to dst and renames it into place, so the
// archive never holds a truncated csv.
func copyCSV(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	partial := dst + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(partial)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return os.Rename(partial, dst)
}
