package domain

// DownloadStatus is a point-in-time snapshot of a torrent download.
type DownloadStatus struct {
	Progress      float64 `json:"progress"`
	Seeds         int     `json:"seeds"`
	Peers         int     `json:"peers"`
	DownloadSpeed int64   `json:"downloadSpeed"`
	UploadSpeed   int64   `json:"uploadSpeed"`
	Downloaded    int64   `json:"downloaded"`
	Total         int64   `json:"total"`
}

// HandleStats are the raw counters an engine handle reports on each tick.
type HandleStats struct {
	Seeds          int
	Peers          int
	BytesRead      int64
	BytesWritten   int64
	WantedDone     int64
	WantedTotal    int64
	BytesCompleted int64
	Length         int64
}
