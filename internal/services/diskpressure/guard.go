package diskpressure

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = 30 * time.Second

// Pauser is the torrent the guard pauses while free space is low.
type Pauser interface {
	Pause()
	Resume()
}

// Guard checks free space on the save directory and pauses the active
// torrent when it drops below MinFreeBytes. The torrent is resumed once free
// space exceeds ResumeBytes.
type Guard struct {
	Current      func() (Pauser, bool)
	SaveDir      func() string
	MinFreeBytes int64
	ResumeBytes  int64
	Interval     time.Duration
	Logger       *slog.Logger

	// FreeBytes overrides the filesystem query. Tests only.
	FreeBytes func(path string) (int64, error)

	paused Pauser
}

// Run blocks until ctx is cancelled. A zero MinFreeBytes disables the guard.
func (g *Guard) Run(ctx context.Context) {
	if g.MinFreeBytes <= 0 {
		return
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	interval := g.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check()
		}
	}
}

func (g *Guard) check() {
	if g.ResumeBytes <= g.MinFreeBytes {
		g.ResumeBytes = g.MinFreeBytes * 2
	}
	freeBytes := g.FreeBytes
	if freeBytes == nil {
		freeBytes = diskFreeBytes
	}

	dir := g.SaveDir()
	free, err := freeBytes(dir)
	if err != nil {
		g.Logger.Warn("disk_pressure: failed to check disk space",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case g.paused == nil && free < g.MinFreeBytes:
		t, ok := g.Current()
		if !ok {
			return
		}
		g.Logger.Warn("disk_pressure: low disk space, pausing active torrent",
			slog.Int64("freeBytes", free),
			slog.Int64("thresholdBytes", g.MinFreeBytes),
		)
		t.Pause()
		g.paused = t
	case g.paused != nil && free >= g.ResumeBytes:
		g.Logger.Info("disk_pressure: disk space recovered, resuming torrent",
			slog.Int64("freeBytes", free),
			slog.Int64("resumeBytes", g.ResumeBytes),
		)
		// The stream may have moved on while paused; only resume the same torrent.
		if t, ok := g.Current(); ok && t == g.paused {
			t.Resume()
		}
		g.paused = nil
	}
}
