package torrent

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

// Remover removes a torrent from the engine session.
type Remover interface {
	Remove(id domain.HandleID, deleteFiles bool) error
}

// CreationListener is told about every Torrent the factory creates.
type CreationListener interface {
	OnTorrentCreated(t *Torrent)
}

// Factory turns engine "added" alerts into Torrents. It keeps a registry keyed
// by handle id and allows at most one current Torrent: adding a new one
// retires the previous one first.
type Factory struct {
	engine Remover
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	torrents  map[domain.HandleID]*Torrent
	current   *Torrent
	listeners []CreationListener
}

func NewFactory(engine Remover, pub Publisher, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		engine:   engine,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		torrents: make(map[domain.HandleID]*Torrent),
	}
}

func (f *Factory) AddCreationListener(l CreationListener) {
	if l == nil {
		return
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

func (f *Factory) RemoveCreationListener(l CreationListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

// OnTorrentAdded wraps a freshly added handle. Any current Torrent is retired
// and removed from the engine before the new one starts downloading.
func (f *Factory) OnTorrentAdded(h ports.Handle) *Torrent {
	if h == nil {
		return nil
	}
	f.mu.Lock()
	if prev := f.current; prev != nil && prev.ID() != h.ID() {
		f.logger.Info("replacing active torrent",
			slog.String("previous", prev.InfoHash()),
			slog.String("next", h.InfoHash()),
		)
		f.retireLocked(prev, false)
	}
	t := newTorrent(h, f.pub, f.logger)
	f.torrents[t.ID()] = t
	f.current = t
	t.start()
	listeners := append([]CreationListener(nil), f.listeners...)
	f.mu.Unlock()

	for _, l := range listeners {
		f.announce(l, t)
	}
	return t
}

func (f *Factory) announce(l CreationListener, t *Torrent) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("creation listener panic recovered",
				slog.Any("error", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	l.OnTorrentCreated(t)
}

// Dispatch routes an engine alert to the Torrent it belongs to. Alerts for
// unknown or retired handles are dropped.
func (f *Factory) Dispatch(a ports.Alert) {
	if a.Kind == ports.AlertAdded {
		f.OnTorrentAdded(a.Handle)
		return
	}
	f.mu.Lock()
	t, ok := f.torrents[a.ID]
	f.mu.Unlock()
	if !ok {
		return
	}
	switch a.Kind {
	case ports.AlertPieceFinished:
		t.onPieceFinished(a.Piece)
	case ports.AlertStats:
		t.onStats(a.Stats, f.now())
	case ports.AlertFinished:
		t.onFinished()
	case ports.AlertError:
		t.onError(a.Err)
	case ports.AlertRemoved:
		f.mu.Lock()
		delete(f.torrents, a.ID)
		if f.current == t {
			f.current = nil
		}
		f.mu.Unlock()
		t.retire()
	}
}

func (f *Factory) Current() *Torrent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Factory) Lookup(id domain.HandleID) (*Torrent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.torrents[id]
	return t, ok
}

// Retire stops the torrent with the given id and removes it from the engine.
// It reports false when the id is unknown.
func (f *Factory) Retire(id domain.HandleID, deleteFiles bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.torrents[id]
	if !ok {
		return false
	}
	f.retireLocked(t, deleteFiles)
	return true
}

// RetireCurrent retires the current torrent, if any, and returns it.
func (f *Factory) RetireCurrent(deleteFiles bool) (*Torrent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.current
	if t == nil {
		return nil, false
	}
	f.retireLocked(t, deleteFiles)
	return t, true
}

func (f *Factory) retireLocked(t *Torrent, deleteFiles bool) {
	delete(f.torrents, t.ID())
	if f.current == t {
		f.current = nil
	}
	t.retire()
	if f.engine == nil {
		return
	}
	if err := f.engine.Remove(t.ID(), deleteFiles); err != nil {
		f.logger.Warn("remove torrent failed",
			slog.String("infoHash", t.InfoHash()),
			slog.String("error", err.Error()),
		)
	}
}
