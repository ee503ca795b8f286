package anacrolix

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

const statsInterval = time.Second

// handle wraps one anacrolix torrent. The priority vector is mirrored here so
// wanted-byte accounting does not have to query every piece on each tick.
type handle struct {
	id       domain.HandleID
	t        *torrent.Torrent
	savePath string
	files    []domain.FileRef
	logger   *slog.Logger

	mu         sync.Mutex
	priorities []domain.Priority
	maxConns   int
	paused     bool
	finished   bool

	done     chan struct{}
	stopOnce sync.Once
}

var _ ports.Handle = (*handle)(nil)

func newHandle(id domain.HandleID, t *torrent.Torrent, savePath string, priorities []domain.Priority, logger *slog.Logger) *handle {
	h := &handle{
		id:         id,
		t:          t,
		savePath:   savePath,
		files:      mapFiles(t),
		logger:     logger.With(slog.String("infoHash", t.InfoHash().HexString())),
		priorities: append([]domain.Priority(nil), priorities...),
		maxConns:   defaultMaxConns,
		done:       make(chan struct{}),
	}
	for i, prio := range h.priorities {
		t.Piece(i).SetPriority(mapPriority(prio))
	}
	return h
}

func (h *handle) ID() domain.HandleID { return h.id }
func (h *handle) InfoHash() string    { return h.t.InfoHash().HexString() }
func (h *handle) Name() string        { return h.t.Name() }
func (h *handle) NumPieces() int      { return h.t.NumPieces() }
func (h *handle) Length() int64       { return h.t.Length() }
func (h *handle) SavePath() string    { return h.savePath }

func (h *handle) PieceLength() int64 {
	info := h.t.Info()
	if info == nil {
		return 0
	}
	return info.PieceLength
}

func (h *handle) Files() []domain.FileRef {
	return append([]domain.FileRef(nil), h.files...)
}

func (h *handle) PieceComplete(index int) bool {
	if index < 0 || index >= h.t.NumPieces() {
		return false
	}
	return h.t.PieceState(index).Complete
}

func (h *handle) SetPiecePriority(index int, prio domain.Priority) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.priorities) {
		return
	}
	h.priorities[index] = prio
	h.t.Piece(index).SetPriority(mapPriority(prio))
}

// Pause is a hard pause: data transfer is disallowed and every peer is
// disconnected.
func (h *handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		return
	}
	h.paused = true
	h.t.DisallowDataDownload()
	h.t.DisallowDataUpload()
	h.t.SetMaxEstablishedConns(0)
}

func (h *handle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	h.t.SetMaxEstablishedConns(h.maxConns)
	h.t.AllowDataUpload()
	h.t.AllowDataDownload()
}

func (h *handle) setMaxConns(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxConns = n
	if !h.paused {
		h.t.SetMaxEstablishedConns(n)
	}
}

func (h *handle) Stats() domain.HandleStats {
	stats := h.t.Stats()
	h.mu.Lock()
	prios := append([]domain.Priority(nil), h.priorities...)
	h.mu.Unlock()

	done, total := wantedBytes(prios, h.PieceComplete, h.PieceLength(), h.t.Length())
	return domain.HandleStats{
		Seeds:          stats.ConnectedSeeders,
		Peers:          stats.ActivePeers,
		BytesRead:      stats.BytesReadUsefulData.Int64(),
		BytesWritten:   stats.BytesWrittenData.Int64(),
		WantedDone:     done,
		WantedTotal:    total,
		BytesCompleted: h.t.BytesCompleted(),
		Length:         h.t.Length(),
	}
}

// stop ends the watch loop and drops the torrent from the client.
func (h *handle) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.t.Drop()
	})
}

// watch forwards piece completions and periodic stats until the handle is
// stopped. A torrent closed by anything other than stop is reported as an
// error.
func (h *handle) watch(emit func(ports.Alert)) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("torrent watch panic recovered",
				slog.Any("error", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	sub := h.t.SubscribePieceStateChanges()
	defer sub.Close()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-h.t.Closed():
			select {
			case <-h.done:
			default:
				emit(ports.Alert{
					Kind: ports.AlertError,
					ID:   h.id,
					Err:  domain.WrapTorrent(fmt.Errorf("torrent %s closed unexpectedly", h.InfoHash())),
				})
			}
			return
		case change, ok := <-sub.Values:
			if !ok {
				return
			}
			if change.Complete {
				emit(ports.Alert{Kind: ports.AlertPieceFinished, ID: h.id, Piece: change.Index})
			}
		case <-ticker.C:
			stats := h.Stats()
			emit(ports.Alert{Kind: ports.AlertStats, ID: h.id, Stats: stats})
			if h.markFinished(stats) {
				emit(ports.Alert{Kind: ports.AlertFinished, ID: h.id})
			}
		}
	}
}

// markFinished reports true exactly once, the first time every wanted byte is
// on disk.
func (h *handle) markFinished(stats domain.HandleStats) bool {
	if stats.WantedTotal <= 0 || stats.WantedDone < stats.WantedTotal {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.finished = true
	return true
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Offset:         f.Offset(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}
