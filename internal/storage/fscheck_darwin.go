//go:build darwin

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func platformFilesystem(path string) (Filesystem, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Filesystem{}, fmt.Errorf("statfs: %w", err)
	}
	return newFilesystem(unix.ByteSliceToString(st.Fstypename[:])), nil
}
