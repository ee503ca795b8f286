package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"torrentgate/internal/domain"
)

const DefaultPrefix = "torrentgate:"

// cacheEntry carries Raw alongside the metadata since domain.Metadata hides it
// from JSON.
type cacheEntry struct {
	Metadata domain.Metadata `json:"metadata"`
	Raw      []byte          `json:"raw,omitempty"`
}

// MetadataCache stores resolved torrent metadata in Redis so restarts can skip
// DHT metadata exchange for sources seen before.
type MetadataCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewMetadataCache(client *redis.Client, prefix string, ttl time.Duration) *MetadataCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &MetadataCache{client: client, prefix: prefix + "meta:", ttl: ttl}
}

func (c *MetadataCache) Get(ctx context.Context, key string) (domain.Metadata, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Metadata{}, false, nil
		}
		return domain.Metadata{}, false, err
	}
	meta, err := decodeEntry(data)
	if err != nil {
		return domain.Metadata{}, false, err
	}
	return meta, true, nil
}

func (c *MetadataCache) Set(ctx context.Context, key string, meta domain.Metadata) error {
	data, err := encodeEntry(meta)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

func (c *MetadataCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encodeEntry(meta domain.Metadata) ([]byte, error) {
	return json.Marshal(cacheEntry{Metadata: meta, Raw: meta.Raw})
}

func decodeEntry(data []byte) (domain.Metadata, error) {
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.Metadata{}, err
	}
	if entry.Metadata.InfoHash == "" {
		return domain.Metadata{}, errors.New("cached metadata has no infohash")
	}
	meta := entry.Metadata
	meta.Raw = entry.Raw
	return meta, nil
}
