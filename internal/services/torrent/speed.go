package torrent

import (
	"time"

	"torrentgate/internal/domain"
)

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

// sample returns download/upload rates in bytes/sec since the previous call
// and records the new counters.
func (s *speedSample) sample(stats domain.HandleStats, now time.Time) (int64, int64) {
	prev := *s
	*s = speedSample{
		at:           now,
		bytesRead:    stats.BytesRead,
		bytesWritten: stats.BytesWritten,
	}
	if prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := stats.BytesRead - prev.bytesRead
	deltaWritten := stats.BytesWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}
