package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned for journal or snapshot paths on a
// network mount, where flock and rename are not reliable.
var ErrNetworkFilesystem = errors.New("network filesystem")

// Filesystem describes the mount a path lives on.
type Filesystem struct {
	Type    string
	Network bool
}

var networkTypes = []string{"nfs", "nfs4", "cifs", "smbfs", "smb2", "afpfs", "webdav", "9p", "ceph", "afs"}

func newFilesystem(fsType string) Filesystem {
	t := strings.ToLower(strings.TrimSpace(fsType))
	for _, n := range networkTypes {
		if t == n {
			return Filesystem{Type: t, Network: true}
		}
	}
	return Filesystem{Type: t}
}

// statFilesystem is swapped out in tests.
var statFilesystem = platformFilesystem

// DetectFilesystem reports the filesystem holding path, or holding its
// nearest existing parent when path does not exist yet.
func DetectFilesystem(path string) (Filesystem, string, error) {
	if path == "" {
		return Filesystem{}, "", fmt.Errorf("path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Filesystem{}, "", fmt.Errorf("resolve %q: %w", path, err)
	}

	dir := abs
	for {
		_, err := os.Stat(dir)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Filesystem{}, "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Filesystem{}, "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}

	fs, err := statFilesystem(dir)
	if err != nil {
		return Filesystem{}, dir, fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	return fs, dir, nil
}

// CheckLocalFilesystem fails with ErrNetworkFilesystem when path is on a
// network mount. OpenSQLite runs it for state.path; the doctor runs it for
// state.snapshot_dir as well.
func CheckLocalFilesystem(path string) error {
	fs, _, err := DetectFilesystem(path)
	if err != nil {
		return err
	}
	if fs.Network {
		return fmt.Errorf("%w: %q is on %s; keep state.path and state.snapshot_dir on local disk", ErrNetworkFilesystem, path, fs.Type)
	}
	return nil
}
