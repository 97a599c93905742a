//go:build !linux

package storage

// detectFilesystem is only implemented on linux, where tether runs in containers.
// Elsewhere every path is treated as local.
func detectFilesystem(string) (string, error) {
	return "local", nil
}
