package domain

// HandleID is the opaque id an engine assigns to every added torrent. Torrents
// are looked up by id so that a retired torrent can never be reached through a
// stale reference.
type HandleID uint64

// Metadata is resolved torrent metadata.
type Metadata struct {
	InfoHash    string    `json:"infoHash"`
	Name        string    `json:"name"`
	PieceLength int64     `json:"pieceLength"`
	NumPieces   int       `json:"numPieces"`
	Length      int64     `json:"length"`
	Files       []FileRef `json:"files"`
	// Raw is the bencoded metainfo.
	Raw []byte `json:"-"`
}
