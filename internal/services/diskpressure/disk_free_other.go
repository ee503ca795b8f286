//go:build !linux && !darwin

package diskpressure

import "errors"

func diskFreeBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
