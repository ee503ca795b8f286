package ports

import (
	"context"

	"torrentgate/internal/domain"
)

// SettingsProvider exposes the current torrent settings and notifies
// observers when they change.
type SettingsProvider interface {
	Current() domain.TorrentSettings
	OnChange(fn func(domain.TorrentSettings)) (cancel func())
}

type SettingsStore interface {
	GetTorrentSettings(ctx context.Context) (domain.TorrentSettings, bool, error)
	SetTorrentSettings(ctx context.Context, settings domain.TorrentSettings) error
}
