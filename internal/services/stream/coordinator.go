package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
	"torrentgate/internal/services/events"
	"torrentgate/internal/services/torrent"
)

// ErrStreamActive is returned by Cleanup while a stream is running.
var ErrStreamActive = errors.New("stream active")

const (
	defaultLookahead   = 5
	defaultWaitTimeout = 30 * time.Second
)

// Session reports whether the engine session is ready and which settings it
// runs with.
type Session interface {
	IsInitialized() bool
	Settings() domain.TorrentSettings
}

// Engine is the part of the engine the coordinator drives directly.
type Engine interface {
	Resolve(ctx context.Context, src domain.Source) (domain.Metadata, error)
	Add(ctx context.Context, meta domain.Metadata, priorities []domain.Priority) (ports.Handle, error)
}

// Publisher is the stream-level side of the event hub.
type Publisher interface {
	StreamStarted(infoHash, name string)
	StreamReady(infoHash string)
	StreamStopped(infoHash string)
	StreamError(infoHash string, err error)
	LoadError(message string)
	Subscribe(l events.Listener) string
	Unsubscribe(id string)
}

// Retirer stops torrents the coordinator no longer wants. The torrent factory
// implements it.
type Retirer interface {
	Retire(id domain.HandleID, deleteFiles bool) bool
	RetireCurrent(deleteFiles bool) (*torrent.Torrent, bool)
}

type Config struct {
	// Lookahead is the number of pieces past a requested range raised to
	// high priority.
	Lookahead   int
	WaitTimeout time.Duration
}

// stream is one StartStream call. It is pending until the factory announces a
// torrent with the resolved infohash.
type stream struct {
	source    domain.Source
	fileIndex *int
	cancel    context.CancelFunc

	infoHash string
	torrent  *torrent.Torrent
	file     domain.FileRef
	ready    bool

	// waits holds the piece windows of in-flight WaitForBytes calls.
	waits map[*pieceSpan]struct{}
}

// pieceSpan is an inclusive piece range.
type pieceSpan struct{ lo, hi int }

func (s *stream) guarded(i int) bool {
	for w := range s.waits {
		if i >= w.lo && i <= w.hi {
			return true
		}
	}
	return false
}

// Coordinator turns playback intent into piece priorities and lets the HTTP
// gateway wait until bytes are on disk. At most one stream is active.
type Coordinator struct {
	session Session
	engine  Engine
	retirer Retirer
	pub     Publisher
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	state  domain.StreamState
	active *stream
}

func New(session Session, engine Engine, retirer Retirer, pub Publisher, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Coordinator{
		session: session,
		engine:  engine,
		retirer: retirer,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "stream")),
		state:   domain.StreamIdle,
	}
}

// StartStream replaces any active stream with one for source. Resolution and
// the engine add run in the background; progress is reported through the
// event hub.
func (c *Coordinator) StartStream(source string, fileIndex *int) error {
	if !c.session.IsInitialized() {
		return domain.ErrNotInitialized
	}
	src, err := domain.ParseSource(source)
	if err != nil {
		c.pub.LoadError(domain.LoadErrorMessage)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{source: src, fileIndex: fileIndex, cancel: cancel, infoHash: src.InfoHash}
	c.mu.Lock()
	prev := c.active
	c.active = st
	c.state = domain.StreamPreparing
	c.mu.Unlock()

	c.release(prev)
	metrics.ActiveStreams.Set(1)

	c.logger.Info("stream requested", slog.String("kind", string(src.Kind)))
	go c.run(ctx, st)
	return nil
}

func (c *Coordinator) run(ctx context.Context, st *stream) {
	meta, err := c.engine.Resolve(ctx, st.source)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("stream source not resolved", slog.String("error", err.Error()))
		c.abandon(st)
		c.pub.LoadError(domain.LoadErrorMessage)
		return
	}

	index, err := chooseFile(meta.Files, st.fileIndex)
	if err != nil {
		c.abandon(st)
		c.pub.StreamError(meta.InfoHash, err)
		return
	}

	c.mu.Lock()
	if c.active != st {
		c.mu.Unlock()
		return
	}
	st.infoHash = meta.InfoHash
	st.fileIndex = &index
	c.mu.Unlock()

	if _, err := c.engine.Add(ctx, meta, filePriorities(meta, index)); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("add torrent failed",
			slog.String("infoHash", meta.InfoHash),
			slog.String("error", err.Error()),
		)
		c.abandon(st)
		c.pub.StreamError(meta.InfoHash, fmt.Errorf("%w: %v", domain.ErrFailedToPrepare, err))
	}
}

// abandon clears a stream that never got a torrent.
func (c *Coordinator) abandon(st *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != st {
		return
	}
	c.active = nil
	c.state = domain.StreamIdle
	st.cancel()
	metrics.ActiveStreams.Set(0)
}

// OnTorrentCreated attaches a new torrent to the pending stream. Torrents no
// stream is waiting for are retired.
func (c *Coordinator) OnTorrentCreated(t *torrent.Torrent) {
	c.mu.Lock()
	st := c.active
	if st == nil || st.torrent != nil || st.fileIndex == nil || !strings.EqualFold(st.infoHash, t.InfoHash()) {
		c.mu.Unlock()
		c.logger.Info("retiring unexpected torrent", slog.String("infoHash", t.InfoHash()))
		c.retirer.Retire(t.ID(), false)
		return
	}
	st.torrent = t
	index := *st.fileIndex
	c.mu.Unlock()

	if err := t.SelectFile(index); err != nil {
		if !t.Retired() {
			c.pub.StreamError(t.InfoHash(), err)
		}
		return
	}
	file, _ := t.File()
	first, end := t.FilePieces()
	prep := torrent.PreparationPieces(first, end)
	if err := t.PrioritizePieces(prep, domain.PriorityHigh); err != nil {
		if t.Retired() {
			return
		}
		c.pub.StreamError(t.InfoHash(), fmt.Errorf("%w: %v", domain.ErrFailedToPrepare, err))
		return
	}

	c.mu.Lock()
	st.file = file
	stillActive := c.active == st
	c.mu.Unlock()
	if !stillActive {
		return
	}

	c.logger.Info("stream started",
		slog.String("infoHash", t.InfoHash()),
		slog.String("file", file.Path),
		slog.Int("preparationPieces", len(prep)),
	)
	c.pub.StreamStarted(t.InfoHash(), path.Base(file.Path))
	go c.watchReady(st, t, prep)
}

// watchReady publishes StreamReady once every preparation piece is on disk.
func (c *Coordinator) watchReady(st *stream, t *torrent.Torrent, prep []int) {
	for {
		changed := t.Changed()
		if t.Retired() {
			return
		}
		if allComplete(t, prep) {
			break
		}
		<-changed
	}

	c.mu.Lock()
	if c.active != st || st.ready {
		c.mu.Unlock()
		return
	}
	st.ready = true
	c.state = domain.StreamStreaming
	c.mu.Unlock()
	c.pub.StreamReady(t.InfoHash())
}

// StopStream is idempotent. It wakes every waiter, retires the torrent and
// publishes StreamStopped.
func (c *Coordinator) StopStream() {
	c.mu.Lock()
	st := c.active
	if st == nil {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.state = domain.StreamStopped
	c.mu.Unlock()

	c.release(st)
	metrics.ActiveStreams.Set(0)
}

// release tears down a stream that is no longer active. It must be called
// without c.mu held.
func (c *Coordinator) release(st *stream) {
	if st == nil {
		return
	}
	st.cancel()
	if st.torrent != nil {
		c.retirer.Retire(st.torrent.ID(), c.session.Settings().AutoCleanup)
	}
	c.logger.Info("stream stopped", slog.String("infoHash", st.infoHash))
	c.pub.StreamStopped(st.infoHash)
}

// StopAllStreams stops the active stream and retires any torrent still left
// in the session.
func (c *Coordinator) StopAllStreams() {
	c.StopStream()
	c.retirer.RetireCurrent(false)
}

func (c *Coordinator) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Coordinator) StreamState() domain.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the torrent attached to the active stream.
func (c *Coordinator) Current() (*torrent.Torrent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.torrent == nil {
		return nil, false
	}
	return c.active.torrent, true
}

// Filename returns the name the active stream is served under.
func (c *Coordinator) Filename() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.torrent == nil || c.active.file.Path == "" {
		return "", false
	}
	return path.Base(c.active.file.Path), true
}

// Resolve finds the torrent serving filename. Both the base name and the
// torrent-relative path of the selected file match.
func (c *Coordinator) Resolve(filename string) (*torrent.Torrent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.active
	if st == nil || st.torrent == nil || st.file.Path == "" {
		return nil, false
	}
	if filename != st.file.Path && filename != path.Base(st.file.Path) {
		return nil, false
	}
	return st.torrent, true
}

// Status returns the download snapshot of the active stream.
func (c *Coordinator) Status() (domain.DownloadStatus, bool) {
	t, ok := c.Current()
	if !ok {
		return domain.DownloadStatus{}, false
	}
	return t.Status(), true
}

// File describes the file the active stream serves.
type File struct {
	Name     string
	DiskPath string
	Length   int64
	InfoHash string
}

// Lookup resolves filename to the file on disk backing the active stream.
func (c *Coordinator) Lookup(filename string) (File, error) {
	t, ok := c.Resolve(filename)
	if !ok {
		return File{}, fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
	}
	ref, ok := t.File()
	if !ok {
		return File{}, fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
	}
	diskPath, err := t.FilePath()
	if err != nil {
		return File{}, err
	}
	return File{
		Name:     path.Base(ref.Path),
		DiskPath: diskPath,
		Length:   ref.Length,
		InfoHash: t.InfoHash(),
	}, nil
}

type Snapshot struct {
	State        domain.StreamState     `json:"state"`
	Streaming    bool                   `json:"streaming"`
	InfoHash     string                 `json:"infoHash,omitempty"`
	Filename     string                 `json:"filename,omitempty"`
	TorrentState domain.TorrentState    `json:"torrentState,omitempty"`
	Ready        bool                   `json:"ready"`
	Status       *domain.DownloadStatus `json:"status,omitempty"`
}

// Snapshot reports the coordinator state together with the active
// torrent's progress, if any.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{State: c.state, Streaming: c.active != nil}
	var t *torrent.Torrent
	if st := c.active; st != nil {
		snap.InfoHash = st.infoHash
		snap.Ready = st.ready
		t = st.torrent
		if t != nil && st.file.Path != "" {
			snap.Filename = path.Base(st.file.Path)
		}
	}
	c.mu.Unlock()

	if t != nil {
		snap.TorrentState = t.State()
		status := t.Status()
		snap.Status = &status
	}
	return snap
}

// OnRangeRequested raises the pieces covering [offset, offset+length) of the
// file, plus the look-ahead window, to high priority. File pieces behind the
// window drop to low priority.
func (c *Coordinator) OnRangeRequested(filename string, offset, length int64) error {
	t, ok := c.Resolve(filename)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
	}
	file, _ := t.File()
	first, end := t.FilePieces()
	lo, hi, ok := torrent.WindowPieces(t.PieceLength(), file.Offset, offset, length, c.cfg.Lookahead, first, end)
	if !ok {
		return fmt.Errorf("%w: range %d+%d outside %s", domain.ErrInvalidStream, offset, length, filename)
	}

	window := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		window = append(window, i)
	}
	if err := t.PrioritizePieces(window, domain.PriorityHigh); err != nil {
		return err
	}

	// Pieces another request is still waiting for keep their priority.
	prios := t.Priorities()
	var behind []int
	c.mu.Lock()
	st := c.active
	for i := first; i < lo; i++ {
		if prios[i] > domain.PriorityLow && (st == nil || st.torrent != t || !st.guarded(i)) {
			behind = append(behind, i)
		}
	}
	c.mu.Unlock()
	if len(behind) == 0 {
		return nil
	}
	return t.PrioritizePieces(behind, domain.PriorityLow)
}

// WaitForBytes blocks until [offset, offset+length) of the file is on disk.
// It returns ErrStreamCancelled when the stream is stopped meanwhile and an
// ErrStream wrapping context.DeadlineExceeded when timeout elapses.
func (c *Coordinator) WaitForBytes(ctx context.Context, filename string, offset, length int64, timeout time.Duration) error {
	t, ok := c.Resolve(filename)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
	}
	file, _ := t.File()
	if offset < 0 || offset >= file.Length || length <= 0 {
		return fmt.Errorf("%w: range %d+%d outside %s", domain.ErrInvalidStream, offset, length, filename)
	}
	if offset+length > file.Length {
		length = file.Length - offset
	}
	if timeout <= 0 {
		timeout = c.cfg.WaitTimeout
	}
	defer c.holdWindow(t, file.Offset, offset, length)()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	outcome := func(name string) {
		metrics.ByteWaitOutcomes.WithLabelValues(name).Inc()
		metrics.ByteWaitDuration.Observe(time.Since(start).Seconds())
	}

	for {
		changed := t.Changed()
		if t.Retired() {
			outcome("cancelled")
			return domain.ErrStreamCancelled
		}
		if t.HasRange(file.Offset+offset, length) {
			outcome("ready")
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			outcome("aborted")
			return ctx.Err()
		case <-timer.C:
			outcome("timeout")
			return fmt.Errorf("%w: waiting for bytes %d-%d of %s: %w",
				domain.ErrStream, offset, offset+length-1, filename, context.DeadlineExceeded)
		}
	}
}

// holdWindow marks the pieces a waiter needs, look-ahead included, so that
// concurrent range requests do not demote them. The returned func releases
// the mark.
func (c *Coordinator) holdWindow(t *torrent.Torrent, fileOffset, offset, length int64) func() {
	first, end := t.FilePieces()
	lo, hi, ok := torrent.WindowPieces(t.PieceLength(), fileOffset, offset, length, c.cfg.Lookahead, first, end)
	if !ok {
		return func() {}
	}
	span := &pieceSpan{lo: lo, hi: hi}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.active
	if st == nil || st.torrent != t {
		return func() {}
	}
	if st.waits == nil {
		st.waits = make(map[*pieceSpan]struct{})
	}
	st.waits[span] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(st.waits, span)
		c.mu.Unlock()
	}
}

// Cleanup removes downloaded data from the save directory. Hidden entries,
// such as the engine's piece completion database, are kept.
func (c *Coordinator) Cleanup() error {
	if c.IsStreaming() {
		return ErrStreamActive
	}
	dir := c.session.Settings().SaveDir
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("save dir cleaned", slog.String("dir", dir), slog.Int("entries", len(entries)))
	return errors.Join(errs...)
}

func (c *Coordinator) AddListener(l events.Listener) string { return c.pub.Subscribe(l) }

func (c *Coordinator) RemoveListener(id string) { c.pub.Unsubscribe(id) }

// BuildURL returns the gateway URL a player uses for filename.
func BuildURL(base, filename string) string {
	return strings.TrimRight(base, "/") + "/video/" + url.PathEscape(filename)
}

// chooseFile picks the requested file, or the largest one when none is given.
func chooseFile(files []domain.FileRef, index *int) (int, error) {
	if index == nil {
		if i := domain.LargestFile(files); i >= 0 {
			return i, nil
		}
		return -1, fmt.Errorf("%w: torrent has no files", domain.ErrInvalidStream)
	}
	if *index < 0 || *index >= len(files) {
		return -1, fmt.Errorf("%w: file index %d out of range [0,%d)", domain.ErrInvalidStream, *index, len(files))
	}
	return *index, nil
}

// filePriorities ignores every piece except the ones holding the chosen file.
func filePriorities(meta domain.Metadata, index int) []domain.Priority {
	prios := domain.IgnoreAll(meta.NumPieces)
	first, end := torrent.FilePieceRange(meta.PieceLength, meta.NumPieces, meta.Files[index])
	for i := first; i < end; i++ {
		prios[i] = domain.PriorityNormal
	}
	return prios
}

func allComplete(t *torrent.Torrent, pieces []int) bool {
	for _, i := range pieces {
		if !t.HasPiece(i) {
			return false
		}
	}
	return true
}
