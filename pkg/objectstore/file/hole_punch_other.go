//go:build !linux

package file

import "os"

// punchHole has no portable equivalent outside Linux; callers fall back
// to zero-filling the range.
func punchHole(f *os.File, offset, length int64) error {
	return errUnsupportedHolePunch
}
