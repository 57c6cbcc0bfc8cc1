// Package assetsync transfers non-database files (robot photos, form
// configs) between nodes. It sits outside the ChangeRecord pipeline:
// files are compared by checksum and the last upload wins.
//
// A YAML manifest declares which directories are tracked and which
// paths and extensions must never leave the node. The denylist always
// wins over tracking.
package assetsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest declares the tracked directories and the denylist.
type Manifest struct {
	// TrackedDirs are the directories whose files sync, relative to
	// the node's data root.
	TrackedDirs []string `yaml:"tracked_dirs"`

	// DenyPaths are path fragments that must never transfer (e.g.
	// "instance/", "ssl/").
	DenyPaths []string `yaml:"deny_paths"`

	// DenyExtensions are file extensions that must never transfer
	// (e.g. ".db", ".log", ".pem"). Case-insensitive.
	DenyExtensions []string `yaml:"deny_extensions"`
}

// DefaultManifest tracks an uploads directory and denies the files
// that would leak node state or credentials.
func DefaultManifest() *Manifest {
	return &Manifest{
		TrackedDirs:    []string{"uploads"},
		DenyPaths:      []string{"instance/", "ssl/", "logs/"},
		DenyExtensions: []string{".db", ".db-wal", ".db-shm", ".sqlite", ".log", ".pem", ".key", ".crt"},
	}
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.TrackedDirs) == 0 {
		return nil, fmt.Errorf("manifest %s tracks no directories", path)
	}
	return &m, nil
}

// Denied reports whether a relative path is excluded from transfer.
func (m *Manifest) Denied(rel string) bool {
	rel = filepath.ToSlash(rel)

	ext := strings.ToLower(filepath.Ext(rel))
	for _, deny := range m.DenyExtensions {
		if ext == strings.ToLower(deny) {
			return true
		}
	}

	for _, deny := range m.DenyPaths {
		deny = strings.TrimSuffix(filepath.ToSlash(deny), "/")
		if deny == "" {
			continue
		}
		for _, part := range strings.Split(rel, "/") {
			if part == deny {
				return true
			}
		}
		if strings.HasPrefix(rel, deny+"/") || rel == deny {
			return true
		}
	}
	return false
}
