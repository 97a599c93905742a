package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems lists filesystem types on which SQLite file locking is unreliable.
var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// fsDetector reports the filesystem type holding path.
type fsDetector func(path string) (string, error)

// ensureLocalFilesystem refuses spool paths on network mounts.
func ensureLocalFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("spool path is empty")
	}

	probe, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve spool path %q: %w", path, err)
	}

	fsType, err := detect(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if isRemoteFilesystem(fsType) {
		return fmt.Errorf("spool path %q is on network filesystem %q; point spool.path at local disk (SQLite needs working file locks)", path, fsType)
	}
	return nil
}

// existingAncestor walks up from path to the first component that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		case filepath.Dir(dir) == dir:
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isRemoteFilesystem(fsType string) bool {
	return remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
}
