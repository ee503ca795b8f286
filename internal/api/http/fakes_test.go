package apihttp

import (
	"context"
	"sync"
	"time"

	"torrentgate/internal/app"
	"torrentgate/internal/domain"
	"torrentgate/internal/services/events"
	"torrentgate/internal/services/stream"
)

type rangeCall struct {
	filename string
	offset   int64
	length   int64
}

type fakeStreams struct {
	mu sync.Mutex

	file      stream.File
	lookupErr error
	rangeErr  error
	waitErr   error
	startErr  error
	cleanErr  error
	snapshot  stream.Snapshot

	started    []string
	fileIndex  *int
	stopped    int
	cleaned    int
	ranges     []rangeCall
	waits      []rangeCall
	listeners  map[string]events.Listener
	nextListen int
}

func (f *fakeStreams) StartStream(source string, fileIndex *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, source)
	f.fileIndex = fileIndex
	return nil
}

func (f *fakeStreams) StopStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeStreams) Lookup(filename string) (stream.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return stream.File{}, f.lookupErr
	}
	if filename != f.file.Name {
		return stream.File{}, domain.ErrNotFound
	}
	return f.file, nil
}

func (f *fakeStreams) OnRangeRequested(filename string, offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, rangeCall{filename, offset, length})
	return f.rangeErr
}

func (f *fakeStreams) WaitForBytes(_ context.Context, filename string, offset, length int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, rangeCall{filename, offset, length})
	return f.waitErr
}

func (f *fakeStreams) Snapshot() stream.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeStreams) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
	return f.cleanErr
}

func (f *fakeStreams) AddListener(l events.Listener) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[string]events.Listener)
	}
	f.nextListen++
	id := string(rune('a' + f.nextListen))
	f.listeners[id] = l
	return id
}

func (f *fakeStreams) RemoveListener(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, id)
}

// listener returns the single registered listener, if any.
func (f *fakeStreams) listener() events.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		return l
	}
	return nil
}

func (f *fakeStreams) lastRange() (rangeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ranges) == 0 {
		return rangeCall{}, false
	}
	return f.ranges[len(f.ranges)-1], true
}

type fakeSession struct {
	initialized bool
	nodes       int
}

func (s fakeSession) IsInitialized() bool { return s.initialized }
func (s fakeSession) DHTNodes() int       { return s.nodes }

type fakeSettings struct {
	current   domain.TorrentSettings
	updateErr error
	updates   []domain.TorrentSettings
}

func (f *fakeSettings) Get() app.TorrentSettingsView {
	return app.TorrentSettingsView{TorrentSettings: f.current}
}

func (f *fakeSettings) Update(next domain.TorrentSettings) error {
	f.updates = append(f.updates, next)
	if f.updateErr != nil {
		return f.updateErr
	}
	f.current = next
	return nil
}
