package ports

import (
	"context"

	"torrentgate/internal/domain"
)

// MetadataCache stores resolved metadata keyed by infohash or source URL.
type MetadataCache interface {
	Get(ctx context.Context, key string) (domain.Metadata, bool, error)
	Set(ctx context.Context, key string, meta domain.Metadata) error
}
