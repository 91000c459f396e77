//go:build !(linux || freebsd || darwin || aix || dragonfly || netbsd || openbsd)
// +build !linux,!freebsd,!darwin,!aix,!dragonfly,!netbsd,!openbsd

package drivers

import "fmt"

// availableSpace has no portable implementation outside the POSIX
// Statfs family; platforms without one report AVBL as unimplemented.
func availableSpace(path string) (int64, error) {
	return 0, fmt.Errorf("available space is not implemented on this platform")
}
