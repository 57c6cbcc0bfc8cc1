package assetsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileChecksum describes one tracked file.
type FileChecksum struct {
	// Path is relative to the listed directory, slash-separated.
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ListChecksums walks dir and returns a checksum entry for every file
// the manifest allows. Denied files are silently skipped.
func ListChecksums(dir string, m *Manifest) ([]FileChecksum, error) {
	var out []FileChecksum

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if m != nil && m.Denied(rel) {
			return nil
		}

		sum, size, err := ChecksumFile(path)
		if err != nil {
			return err
		}
		out = append(out, FileChecksum{Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return out, nil
}

// ChecksumFile returns the SHA-256 of one file and its size.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Diff returns the local entries that are missing or different on the
// remote side. Last uploaded wins; there is no merge.
func Diff(local, remote []FileChecksum) []FileChecksum {
	have := make(map[string]string, len(remote))
	for _, r := range remote {
		have[r.Path] = r.SHA256
	}

	var out []FileChecksum
	for _, l := range local {
		if have[l.Path] != l.SHA256 {
			out = append(out, l)
		}
	}
	return out
}
