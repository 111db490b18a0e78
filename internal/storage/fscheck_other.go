//go:build !darwin && !linux

package storage

func platformFilesystem(string) (Filesystem, error) {
	return Filesystem{Type: "unknown"}, nil
}
