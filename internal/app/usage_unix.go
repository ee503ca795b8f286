//go:build !windows

package app

import (
	"os"
	"syscall"
)

// allocatedBytes reports the disk blocks backing a file. Sparse torrent files
// allocate far less than their length until pieces arrive.
func allocatedBytes(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st != nil && st.Blocks > 0 {
		return int64(st.Blocks) * 512
	}
	return max(info.Size(), 0)
}
