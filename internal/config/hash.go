package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the per-directory checksum file written by `cartd config lock`.
const ManifestName = ".checksums"

const manifestVersion = 1

var (
	// ErrNoManifest means a directory has never been locked. Such
	// directories are loaded without verification.
	ErrNoManifest = errors.New("no checksum manifest")
	// ErrTampered means a locked file no longer matches its recorded hash.
	ErrTampered = errors.New("hash mismatch")
)

// Manifest maps file base names to their BLAKE3 hex digests.
type Manifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockEntry is one file considered by Lock. Missing files get no hash.
type LockEntry struct {
	Name    string
	Hash    string
	Missing bool
}

// LockReport describes the manifest for one directory.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Entries      []LockEntry
}

// HashFile returns the BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadManifest loads the manifest in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s (run 'cartd config lock')", ErrNoManifest, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, ManifestName), err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	return &m, nil
}

// Check compares the file at path against its recorded hash.
func (m *Manifest) Check(path string) error {
	name := filepath.Base(path)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("%s is not listed in %s", name, ManifestName)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w for %s: expected %s, got %s", ErrTampered, name, want, got)
	}
	return nil
}

// groupByDir buckets paths by parent directory, keeping first-seen order.
func groupByDir(paths []string) ([]string, map[string][]string) {
	var dirs []string
	byDir := make(map[string][]string)
	for _, p := range paths {
		dir := filepath.Dir(p)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], p)
	}
	return dirs, byDir
}

// verifySources checks every path against the manifest in its directory.
// Directories without a manifest are skipped.
func verifySources(paths []string) error {
	dirs, byDir := groupByDir(paths)
	for _, dir := range dirs {
		m, err := ReadManifest(dir)
		if errors.Is(err, ErrNoManifest) {
			continue
		}
		if err != nil {
			return err
		}
		for _, p := range byDir[dir] {
			if err := m.Check(p); err != nil {
				return fmt.Errorf("config verification failed: %w\n"+
					"If the edit was intentional, run: cartd config lock --config %s", err, dir)
			}
		}
	}
	return nil
}

// Lock writes one manifest per directory covering paths, which are normally
// the result of SourcePaths. With dryRun the hashes are computed and
// reported but nothing is written.
func Lock(paths []string, dryRun bool) ([]LockReport, error) {
	dirs, byDir := groupByDir(paths)
	reports := make([]LockReport, 0, len(dirs))
	for _, dir := range dirs {
		r, err := lockDir(dir, byDir[dir], dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func lockDir(dir string, paths []string, dryRun bool) (LockReport, error) {
	r := LockReport{Dir: dir, ManifestPath: filepath.Join(dir, ManifestName)}
	m := Manifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(paths)),
	}

	for _, p := range paths {
		name := filepath.Base(p)
		sum, err := HashFile(p)
		if errors.Is(err, os.ErrNotExist) {
			r.Entries = append(r.Entries, LockEntry{Name: name, Missing: true})
			continue
		}
		if err != nil {
			return r, err
		}
		m.Hashes[name] = sum
		r.Entries = append(r.Entries, LockEntry{Name: name, Hash: sum})
	}
	slices.SortFunc(r.Entries, func(a, b LockEntry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	if dryRun {
		return r, nil
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return r, fmt.Errorf("marshal checksums: %w", err)
	}
	tmp := r.ManifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return r, fmt.Errorf("write checksums: %w", err)
	}
	if err := os.Rename(tmp, r.ManifestPath); err != nil {
		_ = os.Remove(tmp)
		return r, fmt.Errorf("write checksums: %w", err)
	}
	r.Written = true
	return r, nil
}
