package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

// defaultMaxConns is used when settings carry no connection limit.
const defaultMaxConns = domain.DefaultConnectionsLimit

const (
	alertBuffer = 256
	// minLimiterBurst must exceed the 16KiB block size or WaitN fails.
	minLimiterBurst = 256 << 10
)

type Config struct {
	ListenPort int
	NoDHT      bool
	// ResolveTimeout bounds waiting for magnet metadata; 0 = unbounded.
	ResolveTimeout time.Duration
	Cache          ports.MetadataCache
	Logger         *slog.Logger
}

// Engine adapts an anacrolix client to ports.Engine. Every added torrent gets
// a numeric handle id; alerts refer to torrents by that id only.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu       sync.RWMutex
	client   *torrent.Client
	settings domain.TorrentSettings
	handles  map[domain.HandleID]*handle
	nextID   domain.HandleID

	downLimiter *rate.Limiter
	upLimiter   *rate.Limiter

	resolveGroup singleflight.Group

	alerts    chan ports.Alert
	closed    chan struct{}
	closeOnce sync.Once
}

var _ ports.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "engine")),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		handles:     make(map[domain.HandleID]*handle),
		downLimiter: rate.NewLimiter(rate.Inf, 0),
		upLimiter:   rate.NewLimiter(rate.Inf, 0),
		alerts:      make(chan ports.Alert, alertBuffer),
		closed:      make(chan struct{}),
	}
}

// Start creates the anacrolix client. The save directory is fixed for the
// lifetime of the client.
func (e *Engine) Start(ctx context.Context, settings domain.TorrentSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}

	saveDir := settings.SaveDir
	if saveDir == "" {
		saveDir = "data"
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return domain.WrapTorrent(fmt.Errorf("create save dir: %w", err))
	}

	applyLimit(e.downLimiter, settings.DownloadRateLimit)
	applyLimit(e.upLimiter, settings.UploadRateLimit)

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = saveDir
	clientConfig.EstablishedConnsPerTorrent = connsLimit(settings.ConnectionsLimit)
	clientConfig.DownloadRateLimiter = e.downLimiter
	clientConfig.UploadRateLimiter = e.upLimiter
	clientConfig.NoDHT = e.cfg.NoDHT
	if e.cfg.ListenPort > 0 {
		clientConfig.ListenPort = e.cfg.ListenPort
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return domain.WrapTorrent(err)
	}
	settings.SaveDir = saveDir
	e.client = client
	e.settings = settings
	e.logger.Info("torrent client started",
		slog.String("saveDir", saveDir),
		slog.Int("connectionsLimit", clientConfig.EstablishedConnsPerTorrent),
	)
	return nil
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })

	e.mu.Lock()
	client := e.client
	handles := e.handles
	e.client = nil
	e.handles = make(map[domain.HandleID]*handle)
	e.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	if client == nil {
		return nil
	}
	errList := client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func (e *Engine) Alerts() <-chan ports.Alert { return e.alerts }

// DHTNodes sums the good nodes of every DHT server the client runs.
func (e *Engine) DHTNodes() int {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil {
		return 0
	}
	total := 0
	for _, s := range client.DhtServers() {
		if stats, ok := s.Stats().(dht.ServerStats); ok {
			total += stats.GoodNodes
		}
	}
	return total
}

// ApplySettings updates rate limits and connection caps in place. A changed
// save directory only takes effect after a restart.
func (e *Engine) ApplySettings(settings domain.TorrentSettings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	applyLimit(e.downLimiter, settings.DownloadRateLimit)
	applyLimit(e.upLimiter, settings.UploadRateLimit)
	for _, h := range e.handles {
		h.setMaxConns(connsLimit(settings.ConnectionsLimit))
	}
	if e.client != nil && settings.SaveDir != "" && settings.SaveDir != e.settings.SaveDir {
		e.logger.Warn("save dir change requires restart",
			slog.String("current", e.settings.SaveDir),
			slog.String("requested", settings.SaveDir),
		)
		settings.SaveDir = e.settings.SaveDir
	}
	e.settings = settings
	return nil
}

// Add adds resolved metadata to the session with the given priority vector
// and emits AlertAdded before any alert for the new handle.
func (e *Engine) Add(ctx context.Context, meta domain.Metadata, priorities []domain.Priority) (ports.Handle, error) {
	mi, err := loadMetaInfo(meta.Raw)
	if err != nil {
		return nil, domain.WrapTorrentInfo(err)
	}

	e.mu.Lock()
	client := e.client
	if client == nil {
		e.mu.Unlock()
		return nil, domain.ErrNotInitialized
	}
	t, err := client.AddTorrent(mi)
	if err != nil {
		e.mu.Unlock()
		return nil, domain.WrapTorrent(err)
	}
	<-t.GotInfo()
	if len(priorities) != t.NumPieces() {
		e.mu.Unlock()
		t.Drop()
		return nil, fmt.Errorf("%w: %d priorities for %d pieces", domain.ErrInvalidHandle, len(priorities), t.NumPieces())
	}
	e.nextID++
	h := newHandle(e.nextID, t, e.settings.SaveDir, priorities, e.logger)
	h.setMaxConns(connsLimit(e.settings.ConnectionsLimit))
	e.handles[h.id] = h
	e.mu.Unlock()

	select {
	case e.alerts <- ports.Alert{Kind: ports.AlertAdded, ID: h.id, Handle: h}:
	case <-ctx.Done():
		_ = e.Remove(h.id, false)
		return nil, ctx.Err()
	case <-e.closed:
		return nil, domain.ErrNotInitialized
	}

	go h.watch(e.emit)
	return h, nil
}

// Remove drops a torrent from the session, optionally deleting its files.
func (e *Engine) Remove(id domain.HandleID, deleteFiles bool) error {
	e.mu.Lock()
	h, ok := e.handles[id]
	if ok {
		delete(e.handles, id)
	}
	dataDir := e.settings.SaveDir
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: handle %d", domain.ErrNotFound, id)
	}

	h.stop()
	var errs []error
	if deleteFiles {
		for _, f := range h.Files() {
			path, err := resolveDataFilePath(dataDir, f.Path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if root, err := resolveDataFilePath(dataDir, h.Name()); err == nil && root != filepath.Clean(dataDir) {
			if info, statErr := os.Stat(root); statErr == nil && info.IsDir() {
				_ = os.RemoveAll(root)
			}
		}
	}
	e.emit(ports.Alert{Kind: ports.AlertRemoved, ID: id})
	freeOSMemory()
	return errors.Join(errs...)
}

// emit never blocks; alerts are dropped when the consumer falls behind.
func (e *Engine) emit(a ports.Alert) {
	select {
	case <-e.closed:
		return
	default:
	}
	select {
	case e.alerts <- a:
	default:
		e.logger.Debug("alert dropped", slog.String("kind", string(a.Kind)), slog.Uint64("id", uint64(a.ID)))
	}
}

func connsLimit(n int) int {
	if n <= 0 {
		return defaultMaxConns
	}
	return n
}

// applyLimit sets bytes/sec on a limiter; 0 or negative means unlimited.
func applyLimit(l *rate.Limiter, bytesPerSec int64) {
	if bytesPerSec <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	burst := int(bytesPerSec)
	if burst < minLimiterBurst {
		burst = minLimiterBurst
	}
	l.SetLimit(rate.Limit(bytesPerSec))
	l.SetBurst(burst)
}

// resolveDataFilePath joins a torrent-relative path onto the data dir and
// refuses paths that escape it.
func resolveDataFilePath(dataDir, rel string) (string, error) {
	base, err := filepath.Abs(dataDir)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, filepath.FromSlash(rel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes data dir", domain.ErrInvalidStream, rel)
	}
	return full, nil
}

// freeOSMemory returns freed memory to the OS after a torrent is dropped.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
