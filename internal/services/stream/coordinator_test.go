package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/services/events"
	"torrentgate/internal/services/torrent"
)

func TestStartStreamBeforeInitialized(t *testing.T) {
	h := newHarness(t)
	h.session.initialized = false

	if err := h.coord.StartStream("/srv/show.torrent", nil); !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
	if h.coord.IsStreaming() {
		t.Fatal("must not be streaming")
	}
}

func TestStartStreamRejectsBadSource(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.StartStream("magnet:?dn=nohash", nil); !errors.Is(err, domain.ErrTorrentInfo) {
		t.Fatalf("err = %v, want ErrTorrentInfo", err)
	}
	ev := h.pub.expect(t, events.KindLoadError)
	if ev.message != domain.LoadErrorMessage {
		t.Fatalf("message = %q", ev.message)
	}
}

func TestStartStreamSelectsLargestFileAndPreparation(t *testing.T) {
	h := newHarness(t)
	tr := h.start(t)

	if got := h.coord.StreamState(); got != domain.StreamPreparing {
		t.Fatalf("state = %s, want PREPARING", got)
	}
	f, ok := tr.File()
	if !ok || f.Path != "Show/movie.mkv" {
		t.Fatalf("selected file = %+v", f)
	}

	// The vector handed to the engine ignores the sample file.
	added := h.engine.added[0]
	for i := 0; i < 3; i++ {
		if added[i] != domain.PriorityNone {
			t.Fatalf("initial priority[%d] = %s, want none", i, added[i])
		}
	}
	if added[3] != domain.PriorityNormal || added[19] != domain.PriorityNormal {
		t.Fatal("movie pieces not wanted in initial vector")
	}

	prios := tr.Priorities()
	prep := torrent.PreparationPieces(3, 20)
	for _, i := range prep {
		if prios[i] != domain.PriorityHigh {
			t.Fatalf("preparation piece %d = %s, want high", i, prios[i])
		}
	}
	if prios[12] != domain.PriorityNormal {
		t.Fatalf("middle piece = %s, want normal", prios[12])
	}

	h.completePieces(tr, prep[:len(prep)-1]...)
	h.pub.expectNone(t, events.KindStreamReady)
	h.completePieces(tr, prep[len(prep)-1])
	ev := h.pub.expect(t, events.KindStreamReady)
	if ev.infoHash != testInfoHash {
		t.Fatalf("ready infoHash = %s", ev.infoHash)
	}
	if got := h.coord.StreamState(); got != domain.StreamStreaming {
		t.Fatalf("state = %s, want STREAMING", got)
	}
	if name, _ := h.coord.Filename(); name != "movie.mkv" {
		t.Fatalf("filename = %q", name)
	}
}

func TestStartStreamExplicitFileIndex(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		h := newHarness(t)
		index := 0
		if err := h.coord.StartStream("/srv/show.torrent", &index); err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		ev := h.pub.expect(t, events.KindStreamStarted)
		if ev.message != "sample.mkv" {
			t.Fatalf("started name = %q, want sample.mkv", ev.message)
		}
	})
	t.Run("OutOfRange", func(t *testing.T) {
		h := newHarness(t)
		index := 5
		if err := h.coord.StartStream("/srv/show.torrent", &index); err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		h.pub.expect(t, events.KindStreamError)
		if len(h.engine.added) != 0 {
			t.Fatal("torrent added for an invalid file index")
		}
	})
}

func TestResolveFailurePublishesLoadError(t *testing.T) {
	h := newHarness(t)
	h.engine.resolveErr = domain.WrapTorrentInfo(errors.New("tracker down"))

	if err := h.coord.StartStream("https://example.org/show.torrent", nil); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	ev := h.pub.expect(t, events.KindLoadError)
	if ev.message != domain.LoadErrorMessage {
		t.Fatalf("message = %q", ev.message)
	}
	if h.coord.IsStreaming() {
		t.Fatal("stream still active after load error")
	}
	if h.factory.Current() != nil {
		t.Fatal("a torrent was created for an unresolved source")
	}
}

func TestOnRangeRequestedMovesWindow(t *testing.T) {
	h := newHarness(t)
	tr := h.start(t)

	// Bytes 100-119 of the movie live in pieces 13 and 14; look-ahead 2.
	if err := h.coord.OnRangeRequested("movie.mkv", 100, 20); err != nil {
		t.Fatalf("OnRangeRequested: %v", err)
	}
	prios := tr.Priorities()
	for i := 13; i <= 16; i++ {
		if prios[i] != domain.PriorityHigh {
			t.Fatalf("window piece %d = %s, want high", i, prios[i])
		}
	}
	for i := 3; i < 13; i++ {
		if prios[i] != domain.PriorityLow {
			t.Fatalf("piece %d behind cursor = %s, want low", i, prios[i])
		}
	}
	if prios[0] != domain.PriorityNone {
		t.Fatalf("sample file piece raised: %s", prios[0])
	}

	if err := h.coord.OnRangeRequested("other.mkv", 0, 10); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown file err = %v, want ErrNotFound", err)
	}
	if err := h.coord.OnRangeRequested("movie.mkv", 500, 10); !errors.Is(err, domain.ErrInvalidStream) {
		t.Fatalf("out of file err = %v, want ErrInvalidStream", err)
	}
}

func TestWaitForBytes(t *testing.T) {
	t.Run("Available", func(t *testing.T) {
		h := newHarness(t)
		tr := h.start(t)
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.completePieces(tr, 3, 4)
		}()
		// File bytes 0-19 are torrent bytes 30-49: pieces 3 and 4.
		if err := h.coord.WaitForBytes(context.Background(), "movie.mkv", 0, 20, time.Second); err != nil {
			t.Fatalf("WaitForBytes: %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		h := newHarness(t)
		h.start(t)
		err := h.coord.WaitForBytes(context.Background(), "movie.mkv", 0, 20, 30*time.Millisecond)
		if !errors.Is(err, domain.ErrStream) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want ErrStream wrapping DeadlineExceeded", err)
		}
	})

	t.Run("CancelledByStop", func(t *testing.T) {
		h := newHarness(t)
		h.start(t)
		errc := make(chan error, 1)
		go func() {
			errc <- h.coord.WaitForBytes(context.Background(), "movie.mkv", 0, 20, 5*time.Second)
		}()
		time.Sleep(20 * time.Millisecond)
		h.coord.StopStream()
		select {
		case err := <-errc:
			if !errors.Is(err, domain.ErrStreamCancelled) {
				t.Fatalf("err = %v, want ErrStreamCancelled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by StopStream")
		}
	})

	t.Run("ClientGone", func(t *testing.T) {
		h := newHarness(t)
		h.start(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := h.coord.WaitForBytes(ctx, "movie.mkv", 0, 20, time.Second); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestStopStreamIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.coord.StopStream() // nothing active

	tr := h.start(t)
	h.coord.StopStream()
	h.coord.StopStream()

	h.pub.expect(t, events.KindStreamStopped)
	h.pub.expectNone(t, events.KindStreamStopped)
	if !tr.Retired() {
		t.Fatal("torrent not retired")
	}
	if got := h.remover.removed(); len(got) != 1 {
		t.Fatalf("engine removals = %d, want 1", len(got))
	}
	if h.coord.StreamState() != domain.StreamStopped {
		t.Fatalf("state = %s, want STOPPED", h.coord.StreamState())
	}
	if _, ok := h.coord.Resolve("movie.mkv"); ok {
		t.Fatal("stopped stream still resolvable")
	}
}

func TestStopStreamHonoursAutoCleanup(t *testing.T) {
	h := newHarness(t)
	h.session.settings.AutoCleanup = true
	h.start(t)
	h.coord.StopStream()

	got := h.remover.removed()
	if len(got) != 1 || !got[0].deleteFiles {
		t.Fatalf("removals = %+v, want one with deleteFiles", got)
	}
}

func TestNewStreamReplacesOld(t *testing.T) {
	h := newHarness(t)
	first := h.start(t)

	if err := h.coord.StartStream("/srv/show.torrent", nil); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	h.pub.expect(t, events.KindStreamStopped)
	h.pub.expect(t, events.KindStreamStarted)

	if !first.Retired() {
		t.Fatal("previous torrent not retired")
	}
	second, ok := h.coord.Current()
	if !ok || second == first {
		t.Fatal("new torrent not attached")
	}
}

func TestConcurrentStartsStopEveryDisplacedStream(t *testing.T) {
	h := newHarness(t)
	h.engine.block = make(chan struct{})

	const starts = 16
	var wg sync.WaitGroup
	for range starts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.coord.StartStream("/srv/show.torrent", nil); err != nil {
				t.Errorf("StartStream: %v", err)
			}
		}()
	}
	wg.Wait()

	for range starts - 1 {
		h.pub.expect(t, events.KindStreamStopped)
	}
	h.pub.expectNone(t, events.KindStreamStopped)
	if !h.coord.IsStreaming() {
		t.Fatal("last stream must stay active")
	}

	h.coord.StopStream()
	h.pub.expect(t, events.KindStreamStopped)
	waitUntil(t, "every resolution cancelled", func() bool { return h.engine.resolving.Load() == 0 })
	close(h.engine.block)
}

func TestRangeRequestKeepsWaitedWindow(t *testing.T) {
	h := newHarness(t)
	tr := h.start(t)

	// File bytes 0-19 are pieces 3 and 4; with look-ahead the waiter holds 3-6.
	errc := make(chan error, 1)
	go func() {
		errc <- h.coord.WaitForBytes(context.Background(), "movie.mkv", 0, 20, 2*time.Second)
	}()
	waitUntil(t, "waiter registered", func() bool { return pendingWaits(h.coord) == 1 })

	if err := h.coord.OnRangeRequested("movie.mkv", 100, 20); err != nil {
		t.Fatalf("OnRangeRequested: %v", err)
	}
	prios := tr.Priorities()
	for i := 3; i <= 6; i++ {
		if prios[i] == domain.PriorityLow {
			t.Fatalf("piece %d demoted while awaited", i)
		}
	}
	for i := 7; i < 13; i++ {
		if prios[i] != domain.PriorityLow {
			t.Fatalf("piece %d = %s, want low", i, prios[i])
		}
	}

	h.completePieces(tr, 3, 4)
	if err := <-errc; err != nil {
		t.Fatalf("WaitForBytes: %v", err)
	}
	if n := pendingWaits(h.coord); n != 0 {
		t.Fatalf("pending waits = %d after return", n)
	}

	if err := h.coord.OnRangeRequested("movie.mkv", 100, 20); err != nil {
		t.Fatalf("OnRangeRequested: %v", err)
	}
	if got := tr.Priorities()[5]; got != domain.PriorityLow {
		t.Fatalf("released piece 5 = %s, want low", got)
	}
}

func TestStopWhileResolving(t *testing.T) {
	h := newHarness(t)
	h.engine.block = make(chan struct{})

	if err := h.coord.StartStream("/srv/show.torrent", nil); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	h.coord.StopStream()
	h.pub.expect(t, events.KindStreamStopped)
	close(h.engine.block)

	h.pub.expectNone(t, events.KindStreamStarted)
	if h.factory.Current() != nil {
		t.Fatal("torrent added after stop")
	}
}

func TestUnexpectedTorrentIsRetired(t *testing.T) {
	h := newHarness(t)
	meta := testMetadata()
	meta.InfoHash = "ffffffffffffffffffffffffffffffffffffffff"
	tr := h.factory.OnTorrentAdded(&fakeHandle{id: 99, meta: meta, complete: map[int]bool{}})

	if !tr.Retired() {
		t.Fatal("torrent nobody asked for must be retired")
	}
}

func TestAddFailurePublishesStreamError(t *testing.T) {
	h := newHarness(t)
	h.engine.addErr = errors.New("disk full")
	if err := h.coord.StartStream("/srv/show.torrent", nil); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	h.pub.expect(t, events.KindStreamError)
	if h.coord.IsStreaming() {
		t.Fatal("stream still active after add failure")
	}
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	dir := h.session.settings.SaveDir
	mustWrite := func(name string) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("Show/movie.mkv")
	mustWrite(".torrent.db")

	h.start(t)
	if err := h.coord.Cleanup(); !errors.Is(err, ErrStreamActive) {
		t.Fatalf("err = %v, want ErrStreamActive", err)
	}
	h.coord.StopStream()

	if err := h.coord.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Show")); !os.IsNotExist(err) {
		t.Fatalf("downloaded data not removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".torrent.db")); err != nil {
		t.Fatalf("engine database removed: %v", err)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base, name, want string
	}{
		{"http://127.0.0.1:8080", "movie.mkv", "http://127.0.0.1:8080/video/movie.mkv"},
		{"http://host/", "My Movie (2020).mkv", "http://host/video/My%20Movie%20%282020%29.mkv"},
	}
	for _, tc := range tests {
		if got := BuildURL(tc.base, tc.name); got != tc.want {
			t.Fatalf("BuildURL(%q, %q) = %q, want %q", tc.base, tc.name, got, tc.want)
		}
	}
}

func TestListenersDelegateToPublisher(t *testing.T) {
	h := newHarness(t)
	id := h.coord.AddListener(events.ListenerFunc(func(events.Event) {}))
	if len(h.pub.listeners) != 1 {
		t.Fatal("listener not subscribed")
	}
	h.coord.RemoveListener(id)
	if len(h.pub.listeners) != 0 {
		t.Fatal("listener not removed")
	}
}

func TestLookupAndSnapshot(t *testing.T) {
	h := newHarness(t)

	if _, err := h.coord.Lookup("movie.mkv"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Lookup without stream err = %v, want ErrNotFound", err)
	}
	if snap := h.coord.Snapshot(); snap.Streaming || snap.State != domain.StreamIdle || snap.Status != nil {
		t.Fatalf("idle snapshot = %+v", snap)
	}

	tr := h.start(t)

	f, err := h.coord.Lookup("movie.mkv")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if f.Name != "movie.mkv" || f.Length != 170 || f.InfoHash != testInfoHash {
		t.Fatalf("file = %+v", f)
	}
	if want := filepath.Join("/srv/data", "Show", "movie.mkv"); f.DiskPath != want {
		t.Fatalf("DiskPath = %q, want %q", f.DiskPath, want)
	}
	if _, err := h.coord.Lookup("Show/movie.mkv"); err != nil {
		t.Fatalf("Lookup by relative path: %v", err)
	}
	if _, err := h.coord.Lookup("sample.mkv"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Lookup of unselected file err = %v", err)
	}

	snap := h.coord.Snapshot()
	if !snap.Streaming || snap.State != domain.StreamPreparing || snap.Ready {
		t.Fatalf("preparing snapshot = %+v", snap)
	}
	if snap.Filename != "movie.mkv" || snap.InfoHash != testInfoHash {
		t.Fatalf("snapshot identity = %+v", snap)
	}
	if snap.Status == nil || snap.TorrentState != tr.State() {
		t.Fatalf("snapshot status = %+v", snap)
	}

	h.completePieces(tr, torrent.PreparationPieces(3, 20)...)
	h.pub.expect(t, events.KindStreamReady)
	if snap := h.coord.Snapshot(); !snap.Ready || snap.State != domain.StreamStreaming {
		t.Fatalf("ready snapshot = %+v", snap)
	}

	h.coord.StopStream()
	if snap := h.coord.Snapshot(); snap.Streaming || snap.State != domain.StreamStopped {
		t.Fatalf("stopped snapshot = %+v", snap)
	}
}
