package domain

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Offset         int64  `json:"offset"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

// LargestFile returns the index of the biggest file, or -1 for an empty list.
func LargestFile(files []FileRef) int {
	best := -1
	var size int64 = -1
	for i, f := range files {
		if f.Length > size {
			best = i
			size = f.Length
		}
	}
	return best
}
