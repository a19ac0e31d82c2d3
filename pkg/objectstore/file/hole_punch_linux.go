//go:build linux

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// punchHole deallocates the byte range [offset, offset+length) within f,
// leaving a sparse hole that reads back as zero. FALLOC_FL_PUNCH_HOLE
// requires FALLOC_FL_KEEP_SIZE so the file's apparent length is
// unaffected.
func punchHole(f *os.File, offset, length int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err != nil {
		if err == unix.EOPNOTSUPP {
			return errUnsupportedHolePunch
		}
		return err
	}
	return nil
}
