package domain

// TorrentSettings are the session-wide engine settings.
type TorrentSettings struct {
	SaveDir           string `json:"saveDir"`
	ConnectionsLimit  int    `json:"connectionsLimit"`
	DownloadRateLimit int64  `json:"downloadRateLimit"` // bytes/sec, 0 = unlimited
	UploadRateLimit   int64  `json:"uploadRateLimit"`   // bytes/sec, 0 = unlimited
	AutoCleanup       bool   `json:"autoCleanup"`
}

const DefaultConnectionsLimit = 200
