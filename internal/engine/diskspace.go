package engine

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/AharonR/downloader/internal/retry"
)

// diskSpaceBuffer keeps a safety margin free on the output volume so a
// download never fills the disk completely.
const diskSpaceBuffer = 100 * 1024 * 1024

// checkDiskSpace verifies the output volume can hold `required` more
// bytes plus the safety buffer. required 0 checks the buffer alone
// (content length unknown). Failures classify as local I/O.
func checkDiskSpace(dir string, required int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return &retry.IOError{Op: "disk space check", Err: err}
	}
	needed := uint64(required) + diskSpaceBuffer
	if usage.Free < needed {
		return &retry.IOError{
			Op:  "disk space check",
			Err: fmt.Errorf("disk full: required %d bytes, available %d bytes", needed, usage.Free),
		}
	}
	return nil
}
