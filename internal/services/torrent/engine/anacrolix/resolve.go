package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"torrentgate/internal/domain"
	"torrentgate/internal/metrics"
)

// addMagnetTimeout caps the time we wait for the anacrolix client to accept
// a magnet link. AddMagnet can block on an internal client mutex when the
// client is busy.
const addMagnetTimeout = 10 * time.Second

// maxTorrentFileBytes bounds .torrent downloads.
const maxTorrentFileBytes = 32 << 20

// Resolve fetches metadata for a source. Concurrent resolves of the same
// source share one fetch and results are cached when a cache is configured.
func (e *Engine) Resolve(ctx context.Context, src domain.Source) (domain.Metadata, error) {
	key := cacheKey(src)
	if meta, ok := e.cachedMetadata(ctx, key); ok {
		metrics.ResolveTotal.WithLabelValues(string(src.Kind), "cached").Inc()
		return meta, nil
	}

	v, err, _ := e.resolveGroup.Do(key, func() (any, error) {
		return e.resolve(ctx, src)
	})
	if err != nil {
		metrics.ResolveTotal.WithLabelValues(string(src.Kind), "error").Inc()
		e.logger.Warn("resolve failed",
			slog.String("kind", string(src.Kind)),
			slog.String("error", err.Error()),
		)
		return domain.Metadata{}, domain.WrapTorrentInfo(err)
	}
	meta := v.(domain.Metadata)
	metrics.ResolveTotal.WithLabelValues(string(src.Kind), "ok").Inc()

	if e.cfg.Cache != nil {
		if err := e.cfg.Cache.Set(ctx, key, meta); err != nil {
			e.logger.Warn("metadata cache set failed", slog.String("error", err.Error()))
		}
		if meta.InfoHash != "" && key != meta.InfoHash {
			_ = e.cfg.Cache.Set(ctx, meta.InfoHash, meta)
		}
	}
	return meta, nil
}

func (e *Engine) resolve(ctx context.Context, src domain.Source) (domain.Metadata, error) {
	var (
		mi  *metainfo.MetaInfo
		err error
	)
	switch src.Kind {
	case domain.SourceMagnet:
		mi, err = e.resolveMagnet(ctx, src.Raw)
	case domain.SourceHTTP:
		mi, err = e.fetchTorrentFile(ctx, src.Raw)
	case domain.SourceFile:
		mi, err = metainfo.LoadFromFile(src.Path)
	default:
		err = fmt.Errorf("%w: source kind %q", domain.ErrUnsupported, src.Kind)
	}
	if err != nil {
		return domain.Metadata{}, err
	}
	return metadataFromMetaInfo(mi)
}

func (e *Engine) cachedMetadata(ctx context.Context, key string) (domain.Metadata, bool) {
	if e.cfg.Cache == nil || key == "" {
		return domain.Metadata{}, false
	}
	meta, ok, err := e.cfg.Cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.MetadataCacheTotal.WithLabelValues("error").Inc()
		e.logger.Warn("metadata cache get failed", slog.String("error", err.Error()))
		return domain.Metadata{}, false
	case !ok || len(meta.Raw) == 0:
		metrics.MetadataCacheTotal.WithLabelValues("miss").Inc()
		return domain.Metadata{}, false
	}
	metrics.MetadataCacheTotal.WithLabelValues("hit").Inc()
	return meta, true
}

// resolveMagnet adds the magnet, waits for the info dictionary and drops the
// torrent again. Add re-adds it with the full metainfo.
func (e *Engine) resolveMagnet(ctx context.Context, uri string) (*metainfo.MetaInfo, error) {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil {
		return nil, domain.ErrNotInitialized
	}

	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := client.AddMagnet(uri)
		ch <- addResult{t, err}
	}()

	dropLater := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		t = res.t
	case <-time.After(addMagnetTimeout):
		dropLater()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		dropLater()
		return nil, ctx.Err()
	}
	defer t.Drop()

	var timeout <-chan time.Time
	if e.cfg.ResolveTimeout > 0 {
		timer := time.NewTimer(e.cfg.ResolveTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-t.GotInfo():
	case <-timeout:
		return nil, fmt.Errorf("metadata not received within %s", e.cfg.ResolveTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, domain.ErrNotInitialized
	}
	mi := t.Metainfo()
	return &mi, nil
}

func (e *Engine) fetchTorrentFile(ctx context.Context, url string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return metainfo.Load(io.LimitReader(resp.Body, maxTorrentFileBytes))
}

func cacheKey(src domain.Source) string {
	if src.InfoHash != "" {
		return src.InfoHash
	}
	return string(src.Kind) + ":" + src.Raw
}

// metadataFromMetaInfo converts a metainfo into domain metadata. File paths
// are relative to the data dir, the way anacrolix lays files out on disk.
func metadataFromMetaInfo(mi *metainfo.MetaInfo) (domain.Metadata, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return domain.Metadata{}, err
	}
	raw, err := bencode.Marshal(mi)
	if err != nil {
		return domain.Metadata{}, err
	}

	meta := domain.Metadata{
		InfoHash:    mi.HashInfoBytes().HexString(),
		Name:        info.Name,
		PieceLength: info.PieceLength,
		NumPieces:   info.NumPieces(),
		Length:      info.TotalLength(),
		Raw:         raw,
	}
	var offset int64
	for i, fi := range info.UpvertedFiles() {
		path := info.Name
		if info.IsDir() {
			path = strings.Join(append([]string{info.Name}, fi.Path...), "/")
		}
		meta.Files = append(meta.Files, domain.FileRef{
			Index:  i,
			Path:   path,
			Offset: offset,
			Length: fi.Length,
		})
		offset += fi.Length
	}
	return meta, nil
}

func loadMetaInfo(raw []byte) (*metainfo.MetaInfo, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty metainfo")
	}
	return metainfo.Load(bytes.NewReader(raw))
}
