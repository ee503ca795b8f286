package redis

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"torrentgate/internal/domain"
)

func sampleMetadata() domain.Metadata {
	return domain.Metadata{
		InfoHash:    "0123456789abcdef0123456789abcdef01234567",
		Name:        "Show",
		PieceLength: 1 << 20,
		NumPieces:   3,
		Length:      2_500_000,
		Files: []domain.FileRef{
			{Index: 0, Path: "Show/movie.mkv", Offset: 0, Length: 2_400_000},
			{Index: 1, Path: "Show/movie.srt", Offset: 2_400_000, Length: 100_000},
		},
		Raw: []byte("d4:infod6:lengthi2500000eee"),
	}
}

func TestEntryCodecKeepsRaw(t *testing.T) {
	meta := sampleMetadata()
	data, err := encodeEntry(meta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEntry(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Raw, meta.Raw) {
		t.Fatalf("raw = %q, want %q", got.Raw, meta.Raw)
	}
	if got.InfoHash != meta.InfoHash || got.NumPieces != meta.NumPieces || len(got.Files) != 2 {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if got.Files[1].Offset != 2_400_000 {
		t.Fatalf("file offset = %d", got.Files[1].Offset)
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "not-json"},
		{name: "missing infohash", data: `{"metadata":{"name":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeEntry([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewMetadataCacheDefaultsPrefix(t *testing.T) {
	c := NewMetadataCache(nil, "", time.Hour)
	if c.prefix != DefaultPrefix+"meta:" {
		t.Fatalf("prefix = %q", c.prefix)
	}
	c = NewMetadataCache(nil, "x:", time.Hour)
	if c.prefix != "x:meta:" {
		t.Fatalf("prefix = %q", c.prefix)
	}
}

// setupCache connects to Redis at REDIS_TEST_URL and skips otherwise.
func setupCache(t *testing.T) *MetadataCache {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", url, err)
	}
	prefix := fmt.Sprintf("torrentgate_test_%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return NewMetadataCache(client, prefix, time.Minute)
}

func TestIntegration_MetadataCacheRoundtrip(t *testing.T) {
	cache := setupCache(t)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}

	meta := sampleMetadata()
	if err := cache.Set(ctx, meta.InfoHash, meta); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := cache.Get(ctx, meta.InfoHash)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != meta.Name || !bytes.Equal(got.Raw, meta.Raw) {
		t.Fatalf("got %+v", got)
	}
}
