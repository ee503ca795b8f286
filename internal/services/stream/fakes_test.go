package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/services/events"
	"torrentgate/internal/services/torrent"
)

const testInfoHash = "0123456789abcdef0123456789abcdef01234567"

type fakeSession struct {
	mu          sync.Mutex
	initialized bool
	settings    domain.TorrentSettings
}

func (s *fakeSession) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *fakeSession) Settings() domain.TorrentSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

type fakeHandle struct {
	mu       sync.Mutex
	id       domain.HandleID
	meta     domain.Metadata
	complete map[int]bool
}

func (h *fakeHandle) ID() domain.HandleID        { return h.id }
func (h *fakeHandle) InfoHash() string           { return h.meta.InfoHash }
func (h *fakeHandle) Name() string               { return h.meta.Name }
func (h *fakeHandle) NumPieces() int             { return h.meta.NumPieces }
func (h *fakeHandle) PieceLength() int64         { return h.meta.PieceLength }
func (h *fakeHandle) Length() int64              { return h.meta.Length }
func (h *fakeHandle) Files() []domain.FileRef    { return h.meta.Files }
func (h *fakeHandle) SavePath() string           { return "/srv/data" }
func (h *fakeHandle) SetPiecePriority(int, domain.Priority) {}
func (h *fakeHandle) Pause()                     {}
func (h *fakeHandle) Resume()                    {}
func (h *fakeHandle) Stats() domain.HandleStats  { return domain.HandleStats{} }

func (h *fakeHandle) PieceComplete(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.complete[i]
}

// fakeEngine resolves to a fixed metadata value and announces every added
// torrent to the factory synchronously, the way the alert loop would.
type fakeEngine struct {
	mu         sync.Mutex
	meta       domain.Metadata
	resolveErr error
	addErr     error
	factory    *torrent.Factory
	nextID     domain.HandleID
	added      [][]domain.Priority
	block      chan struct{}
	resolving  atomic.Int32
}

func (e *fakeEngine) Resolve(ctx context.Context, _ domain.Source) (domain.Metadata, error) {
	e.resolving.Add(1)
	defer e.resolving.Add(-1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return domain.Metadata{}, ctx.Err()
		}
	}
	if e.resolveErr != nil {
		return domain.Metadata{}, e.resolveErr
	}
	return e.meta, nil
}

func (e *fakeEngine) Add(_ context.Context, meta domain.Metadata, prios []domain.Priority) (ports.Handle, error) {
	if e.addErr != nil {
		return nil, e.addErr
	}
	e.mu.Lock()
	e.nextID++
	h := &fakeHandle{id: e.nextID, meta: meta, complete: make(map[int]bool)}
	e.added = append(e.added, append([]domain.Priority(nil), prios...))
	e.mu.Unlock()
	e.factory.Dispatch(ports.Alert{Kind: ports.AlertAdded, ID: h.id, Handle: h})
	return h, nil
}

type removeCall struct {
	id          domain.HandleID
	deleteFiles bool
}

type fakeRemover struct {
	mu    sync.Mutex
	calls []removeCall
}

func (r *fakeRemover) Remove(id domain.HandleID, deleteFiles bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, removeCall{id, deleteFiles})
	return nil
}

func (r *fakeRemover) removed() []removeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]removeCall(nil), r.calls...)
}

type published struct {
	kind     events.Kind
	infoHash string
	message  string
}

type fakePublisher struct {
	ch chan published

	mu        sync.Mutex
	listeners map[string]events.Listener
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan published, 64), listeners: make(map[string]events.Listener)}
}

func (p *fakePublisher) StreamStarted(infoHash, name string) {
	p.ch <- published{events.KindStreamStarted, infoHash, name}
}

func (p *fakePublisher) StreamReady(infoHash string) {
	p.ch <- published{events.KindStreamReady, infoHash, ""}
}

func (p *fakePublisher) StreamStopped(infoHash string) {
	p.ch <- published{events.KindStreamStopped, infoHash, ""}
}

func (p *fakePublisher) StreamError(infoHash string, err error) {
	p.ch <- published{events.KindStreamError, infoHash, err.Error()}
}

func (p *fakePublisher) LoadError(message string) {
	p.ch <- published{events.KindLoadError, "", message}
}

func (p *fakePublisher) Subscribe(l events.Listener) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "sub"
	p.listeners[id] = l
	return id
}

func (p *fakePublisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
}

func (p *fakePublisher) expect(t *testing.T, kind events.Kind) published {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.ch:
			if ev.kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (p *fakePublisher) expectNone(t *testing.T, kind events.Kind) {
	t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case ev := <-p.ch:
			if ev.kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		case <-timeout:
			return
		}
	}
}

// testMetadata describes a 20-piece torrent with a small sample file and the
// main movie in pieces [3, 20).
func testMetadata() domain.Metadata {
	return domain.Metadata{
		InfoHash:    testInfoHash,
		Name:        "Show",
		PieceLength: 10,
		NumPieces:   20,
		Length:      200,
		Files: []domain.FileRef{
			{Index: 0, Path: "Show/sample.mkv", Offset: 0, Length: 30},
			{Index: 1, Path: "Show/movie.mkv", Offset: 30, Length: 170},
		},
	}
}

type harness struct {
	session *fakeSession
	engine  *fakeEngine
	remover *fakeRemover
	factory *torrent.Factory
	pub     *fakePublisher
	coord   *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	session := &fakeSession{initialized: true, settings: domain.TorrentSettings{SaveDir: t.TempDir()}}
	remover := &fakeRemover{}
	factory := torrent.NewFactory(remover, nil, nil)
	engine := &fakeEngine{meta: testMetadata(), factory: factory}
	pub := newFakePublisher()
	coord := New(session, engine, factory, pub, Config{Lookahead: 2, WaitTimeout: time.Second}, nil)
	factory.AddCreationListener(coord)
	return &harness{session: session, engine: engine, remover: remover, factory: factory, pub: pub, coord: coord}
}

// start begins a stream and waits until its torrent is attached.
func (h *harness) start(t *testing.T) *torrent.Torrent {
	t.Helper()
	if err := h.coord.StartStream("/srv/show.torrent", nil); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	h.pub.expect(t, events.KindStreamStarted)
	tr, ok := h.coord.Current()
	if !ok {
		t.Fatal("no torrent attached after stream_started")
	}
	return tr
}

func (h *harness) completePieces(tr *torrent.Torrent, pieces ...int) {
	for _, i := range pieces {
		h.factory.Dispatch(ports.Alert{Kind: ports.AlertPieceFinished, ID: tr.ID(), Piece: i})
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pendingWaits(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return 0
	}
	return len(c.active.waits)
}
