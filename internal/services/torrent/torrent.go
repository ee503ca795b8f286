package torrent

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

// Publisher receives the notifications a Torrent emits.
type Publisher interface {
	StateChanged(infoHash string, from, to string)
	StreamProgress(infoHash string, status domain.DownloadStatus)
	StreamError(infoHash string, err error)
	TransitionRejected(infoHash string, from, to string)
}

// Torrent is the per-download entity. All mutable state is guarded by mu; the
// engine handle is only touched while mu is held.
type Torrent struct {
	handle      ports.Handle
	id          domain.HandleID
	infoHash    string
	name        string
	numPieces   int
	pieceLength int64
	length      int64
	files       []domain.FileRef
	savePath    string
	pub         Publisher
	logger      *slog.Logger

	mu         sync.Mutex
	state      domain.TorrentState
	completed  *bitset.BitSet
	priorities []domain.Priority
	fileIndex  int
	peak       float64
	status     domain.DownloadStatus
	speed      speedSample
	err        error
	changed    chan struct{}
	retired    bool
}

func newTorrent(h ports.Handle, pub Publisher, logger *slog.Logger) *Torrent {
	if logger == nil {
		logger = slog.Default()
	}
	n := h.NumPieces()
	if n < 0 {
		n = 0
	}
	t := &Torrent{
		handle:      h,
		id:          h.ID(),
		infoHash:    h.InfoHash(),
		name:        h.Name(),
		numPieces:   n,
		pieceLength: h.PieceLength(),
		length:      h.Length(),
		files:       h.Files(),
		savePath:    h.SavePath(),
		pub:         pub,
		logger:      logger.With(slog.String("infoHash", h.InfoHash())),
		state:       domain.StateStarting,
		completed:   bitset.New(uint(n)),
		priorities:  domain.IgnoreAll(n),
		fileIndex:   -1,
		changed:     make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		if h.PieceComplete(i) {
			t.completed.Set(uint(i))
		}
	}
	return t
}

func (t *Torrent) ID() domain.HandleID { return t.id }
func (t *Torrent) InfoHash() string    { return t.infoHash }
func (t *Torrent) Name() string        { return t.name }
func (t *Torrent) NumPieces() int      { return t.numPieces }
func (t *Torrent) PieceLength() int64  { return t.pieceLength }
func (t *Torrent) Length() int64       { return t.length }
func (t *Torrent) SavePath() string    { return t.savePath }

func (t *Torrent) Files() []domain.FileRef {
	return append([]domain.FileRef(nil), t.files...)
}

func (t *Torrent) State() domain.TorrentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that moved the torrent into ERROR, if any.
func (t *Torrent) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Torrent) HasPiece(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasPieceLocked(index)
}

func (t *Torrent) hasPieceLocked(index int) bool {
	if index < 0 || index >= t.numPieces {
		return false
	}
	return t.completed.Test(uint(index))
}

// HasByte reports whether the piece holding the torrent-wide offset is complete.
func (t *Torrent) HasByte(offset int64) bool {
	if offset < 0 || offset >= t.length || t.pieceLength <= 0 {
		return false
	}
	return t.HasPiece(int(offset / t.pieceLength))
}

// HasRange reports whether every byte of [offset, offset+length) is available.
func (t *Torrent) HasRange(offset, length int64) bool {
	first, last, ok := t.pieceSpan(offset, length)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := first; i <= last; i++ {
		if !t.completed.Test(uint(i)) {
			return false
		}
	}
	return true
}

// pieceSpan converts a torrent-wide byte span into an inclusive piece range.
func (t *Torrent) pieceSpan(offset, length int64) (int, int, bool) {
	if t.pieceLength <= 0 || length <= 0 || offset < 0 || offset >= t.length {
		return 0, 0, false
	}
	end := offset + length
	if end > t.length || end < offset {
		end = t.length
	}
	first := int(offset / t.pieceLength)
	last := int((end - 1) / t.pieceLength)
	if last >= t.numPieces {
		last = t.numPieces - 1
	}
	return first, last, first <= last
}

// PrioritizePieces sets prio for every index. Any index outside the torrent is
// rejected with ErrInvalidHandle and the vector is left untouched.
func (t *Torrent) PrioritizePieces(indices []int, prio domain.Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return fmt.Errorf("%w: torrent %s retired", domain.ErrInvalidHandle, t.infoHash)
	}
	for _, i := range indices {
		if i < 0 || i >= t.numPieces {
			return fmt.Errorf("%w: piece %d out of range [0,%d)", domain.ErrInvalidHandle, i, t.numPieces)
		}
	}
	for _, i := range indices {
		t.setPriorityLocked(i, prio)
	}
	return nil
}

// PrioritizeBytes prioritizes the pieces holding the given torrent-wide
// offsets. The piece after each one is raised to Next so the reader does not
// stall at a piece boundary.
func (t *Torrent) PrioritizeBytes(offsets []int64, prio domain.Priority) error {
	if t.pieceLength <= 0 {
		return fmt.Errorf("%w: unknown piece length", domain.ErrInvalidHandle)
	}
	indices := make([]int, 0, len(offsets))
	for _, off := range offsets {
		if off < 0 {
			return fmt.Errorf("%w: negative offset %d", domain.ErrInvalidHandle, off)
		}
		indices = append(indices, int(off/t.pieceLength))
	}
	if err := t.PrioritizePieces(indices, prio); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range indices {
		next := i + 1
		if next < t.numPieces && t.priorities[next] < domain.PriorityNext && prio >= domain.PriorityNext {
			t.setPriorityLocked(next, domain.PriorityNext)
		}
	}
	return nil
}

func (t *Torrent) setPriorityLocked(index int, prio domain.Priority) {
	if t.priorities[index] == prio {
		return
	}
	t.priorities[index] = prio
	t.handle.SetPiecePriority(index, prio)
}

// Priorities returns a copy of the per-piece priority vector.
func (t *Torrent) Priorities() []domain.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Priority(nil), t.priorities...)
}

// Pause is only valid from DOWNLOADING. Anything else is a race with the
// engine and is reported, not returned.
func (t *Torrent) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.StateDownloading {
		t.rejectLocked(domain.StatePaused)
		return
	}
	t.handle.Pause()
	_ = t.transitionLocked(domain.StatePaused)
}

// Resume is only valid from PAUSED.
func (t *Torrent) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.StatePaused {
		t.rejectLocked(domain.StateDownloading)
		return
	}
	t.handle.Resume()
	_ = t.transitionLocked(domain.StateDownloading)
}

func (t *Torrent) rejectLocked(to domain.TorrentState) {
	t.logger.Warn("torrent transition ignored",
		slog.String("from", string(t.state)),
		slog.String("to", string(to)),
	)
	if t.pub != nil {
		t.pub.TransitionRejected(t.infoHash, string(t.state), string(to))
	}
}

// Status returns the latest download snapshot.
func (t *Torrent) Status() domain.DownloadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Changed returns a channel closed on the next piece completion or state
// change. Once the torrent is retired the returned channel is always closed.
func (t *Torrent) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

func (t *Torrent) notifyLocked() {
	if t.retired {
		return
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Torrent) transitionLocked(to domain.TorrentState) error {
	from := t.state
	if from == to {
		return nil
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for torrent %s", domain.ErrInvalidTransition, from, to, t.infoHash)
	}
	t.state = to
	t.logger.Debug("torrent state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if t.pub != nil {
		t.pub.StateChanged(t.infoHash, string(from), string(to))
	}
	t.notifyLocked()
	return nil
}

// Selected file handling.

func (t *Torrent) File() (domain.FileRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fileIndex < 0 || t.fileIndex >= len(t.files) {
		return domain.FileRef{}, false
	}
	return t.files[t.fileIndex], true
}

// FilePath returns the on-disk path of the selected file. Engine file paths
// are relative to the save directory and must not escape it.
func (t *Torrent) FilePath() (string, error) {
	f, ok := t.File()
	if !ok {
		return "", fmt.Errorf("%w: no file selected", domain.ErrInvalidStream)
	}
	base, err := filepath.Abs(t.savePath)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, filepath.FromSlash(f.Path))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes save dir", domain.ErrInvalidStream, f.Path)
	}
	return full, nil
}

// SelectFile makes index the streamed file: its pieces are raised to Normal
// and every other piece is dropped to None.
func (t *Torrent) SelectFile(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return fmt.Errorf("%w: torrent %s retired", domain.ErrInvalidHandle, t.infoHash)
	}
	if index < 0 || index >= len(t.files) {
		return fmt.Errorf("%w: file index %d out of range [0,%d)", domain.ErrInvalidStream, index, len(t.files))
	}
	t.fileIndex = index
	first, end := t.filePiecesLocked(t.files[index])
	for i := 0; i < t.numPieces; i++ {
		prio := domain.PriorityNone
		if i >= first && i < end {
			prio = domain.PriorityNormal
		}
		t.setPriorityLocked(i, prio)
	}
	return nil
}

// FilePieces returns the half-open piece range [first, end) covering the
// selected file.
func (t *Torrent) FilePieces() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fileIndex < 0 {
		return 0, 0
	}
	return t.filePiecesLocked(t.files[t.fileIndex])
}

func (t *Torrent) filePiecesLocked(f domain.FileRef) (int, int) {
	return FilePieceRange(t.pieceLength, t.numPieces, f)
}

// Engine callbacks. The factory routes alerts here by handle id.

func (t *Torrent) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handle.Resume()
}

func (t *Torrent) onPieceFinished(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired || index < 0 || index >= t.numPieces {
		return
	}
	t.completed.Set(uint(index))
	if t.state == domain.StateStarting {
		_ = t.transitionLocked(domain.StateDownloading)
	}
	t.notifyLocked()
}

func (t *Torrent) onStats(stats domain.HandleStats, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return
	}

	// The bitset is derived from the engine; resync in case a piece alert was lost.
	resynced := false
	for i := 0; i < t.numPieces; i++ {
		if !t.completed.Test(uint(i)) && t.handle.PieceComplete(i) {
			t.completed.Set(uint(i))
			resynced = true
		}
	}

	if t.state == domain.StateStarting {
		_ = t.transitionLocked(domain.StateDownloading)
	}

	download, upload := t.speed.sample(stats, now)
	progress := float64(0)
	if stats.WantedTotal > 0 {
		progress = float64(stats.WantedDone) / float64(stats.WantedTotal)
	}
	if progress > 1 {
		progress = 1
	}
	// Progress never goes backwards while the engine re-verifies pieces.
	if progress < t.peak {
		progress = t.peak
	}
	t.peak = progress

	t.status = domain.DownloadStatus{
		Progress:      progress,
		Seeds:         stats.Seeds,
		Peers:         stats.Peers,
		DownloadSpeed: download,
		UploadSpeed:   upload,
		Downloaded:    stats.WantedDone,
		Total:         stats.WantedTotal,
	}
	if t.pub != nil && t.state == domain.StateDownloading {
		t.pub.StreamProgress(t.infoHash, t.status)
	}
	if resynced {
		t.notifyLocked()
	}
}

func (t *Torrent) onFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return
	}
	if t.state == domain.StateStarting {
		_ = t.transitionLocked(domain.StateDownloading)
	}
	if err := t.transitionLocked(domain.StateFinished); err != nil {
		t.logger.Debug("finish ignored", slog.String("error", err.Error()))
	}
}

func (t *Torrent) onError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return
	}
	t.err = err
	if terr := t.transitionLocked(domain.StateError); terr != nil {
		t.logger.Warn("torrent error in unexpected state",
			slog.String("state", string(t.state)),
			slog.String("error", fmt.Sprint(err)),
		)
		return
	}
	if t.pub != nil {
		t.pub.StreamError(t.infoHash, err)
	}
}

// retire pauses the handle, moves the torrent to STOPPED and wakes every
// waiter for good. It reports false when the torrent was already retired.
func (t *Torrent) retire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return false
	}
	t.handle.Pause()
	if err := t.transitionLocked(domain.StateStopped); err != nil {
		t.logger.Debug("stop transition", slog.String("error", err.Error()))
		t.state = domain.StateStopped
	}
	t.retired = true
	close(t.changed)
	return true
}

// Retired reports whether the torrent has been removed from the session.
func (t *Torrent) Retired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retired
}
