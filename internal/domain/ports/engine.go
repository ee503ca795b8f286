package ports

import (
	"context"

	"torrentgate/internal/domain"
)

// Engine is the swarm-download engine boundary.
type Engine interface {
	Start(ctx context.Context, settings domain.TorrentSettings) error
	Close() error
	// DHTNodes returns the number of good DHT nodes currently known.
	DHTNodes() int
	ApplySettings(settings domain.TorrentSettings) error
	Resolve(ctx context.Context, src domain.Source) (domain.Metadata, error)
	// Add adds resolved metadata to the session with the given per-piece
	// priorities and emits an AlertAdded for the new handle.
	Add(ctx context.Context, meta domain.Metadata, priorities []domain.Priority) (Handle, error)
	Remove(id domain.HandleID, deleteFiles bool) error
	Alerts() <-chan Alert
}

// Handle is a torrent added to the engine session.
type Handle interface {
	ID() domain.HandleID
	InfoHash() string
	Name() string
	NumPieces() int
	PieceLength() int64
	Length() int64
	Files() []domain.FileRef
	// SavePath is the directory file paths are relative to.
	SavePath() string
	PieceComplete(index int) bool
	SetPiecePriority(index int, prio domain.Priority)
	Pause()
	Resume()
	Stats() domain.HandleStats
}

type AlertKind string

const (
	AlertAdded         AlertKind = "added"
	AlertPieceFinished AlertKind = "piece_finished"
	AlertStats         AlertKind = "stats"
	AlertFinished      AlertKind = "finished"
	AlertError         AlertKind = "error"
	AlertRemoved       AlertKind = "removed"
)

// Alert is an engine notification. Handle is only set for AlertAdded; every
// other kind refers to the torrent by id.
type Alert struct {
	Kind   AlertKind
	ID     domain.HandleID
	Handle Handle
	Piece  int
	Stats  domain.HandleStats
	Err    error
}
