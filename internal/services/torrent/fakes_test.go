package torrent

import (
	"errors"
	"sync"

	"torrentgate/internal/domain"
)

type fakeHandle struct {
	mu         sync.Mutex
	id         domain.HandleID
	infoHash   string
	numPieces  int
	pieceLen   int64
	files      []domain.FileRef
	complete   map[int]bool
	priorities map[int]domain.Priority
	setCalls   int
	paused     int
	resumed    int
}

func newFakeHandle(id domain.HandleID, numPieces int, pieceLen int64, files ...domain.FileRef) *fakeHandle {
	if len(files) == 0 {
		files = []domain.FileRef{{Index: 0, Path: "movie.mkv", Length: int64(numPieces) * pieceLen}}
	}
	return &fakeHandle{
		id:         id,
		infoHash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + string(rune('0'+int(id)%10)),
		numPieces:  numPieces,
		pieceLen:   pieceLen,
		files:      files,
		complete:   make(map[int]bool),
		priorities: make(map[int]domain.Priority),
	}
}

func (h *fakeHandle) ID() domain.HandleID { return h.id }
func (h *fakeHandle) InfoHash() string    { return h.infoHash }
func (h *fakeHandle) Name() string        { return "fake" }
func (h *fakeHandle) NumPieces() int      { return h.numPieces }
func (h *fakeHandle) PieceLength() int64  { return h.pieceLen }
func (h *fakeHandle) SavePath() string    { return "/tmp/fake" }

func (h *fakeHandle) Length() int64 {
	var total int64
	for _, f := range h.files {
		total += f.Length
	}
	return total
}

func (h *fakeHandle) Files() []domain.FileRef {
	return append([]domain.FileRef(nil), h.files...)
}

func (h *fakeHandle) PieceComplete(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.complete[i]
}

func (h *fakeHandle) markComplete(i int) {
	h.mu.Lock()
	h.complete[i] = true
	h.mu.Unlock()
}

func (h *fakeHandle) SetPiecePriority(i int, p domain.Priority) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.priorities[i] = p
	h.setCalls++
}

func (h *fakeHandle) priority(i int) domain.Priority {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priorities[i]
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	h.paused++
	h.mu.Unlock()
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	h.resumed++
	h.mu.Unlock()
}

func (h *fakeHandle) Stats() domain.HandleStats { return domain.HandleStats{} }

type transition struct {
	infoHash string
	from, to string
}

type fakePublisher struct {
	mu        sync.Mutex
	changes   []transition
	rejected  []transition
	progress  []domain.DownloadStatus
	errs      []error
}

func (p *fakePublisher) StateChanged(infoHash, from, to string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, transition{infoHash, from, to})
}

func (p *fakePublisher) StreamProgress(_ string, status domain.DownloadStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, status)
}

func (p *fakePublisher) StreamError(_ string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

func (p *fakePublisher) TransitionRejected(infoHash, from, to string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, transition{infoHash, from, to})
}

func (p *fakePublisher) transitions() []transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transition(nil), p.changes...)
}

type removeCall struct {
	id          domain.HandleID
	deleteFiles bool
}

type fakeRemover struct {
	mu    sync.Mutex
	calls []removeCall
	err   error
}

func (r *fakeRemover) Remove(id domain.HandleID, deleteFiles bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, removeCall{id, deleteFiles})
	return r.err
}

func (r *fakeRemover) removed() []removeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]removeCall(nil), r.calls...)
}

var errBoom = errors.New("boom")
