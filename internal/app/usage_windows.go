//go:build windows

package app

import "os"

func allocatedBytes(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	return max(info.Size(), 0)
}
