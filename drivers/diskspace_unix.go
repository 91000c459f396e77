//go:build linux || freebsd || darwin || aix || dragonfly || netbsd || openbsd
// +build linux freebsd darwin aix dragonfly netbsd openbsd

package drivers

import "golang.org/x/sys/unix"

// availableSpace reports free bytes on the filesystem backing path, for
// the AVBL command.
func availableSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	//nolint:gosec
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
