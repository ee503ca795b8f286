package anacrolix

import (
	"github.com/anacrolix/torrent"

	"torrentgate/internal/domain"
)

func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityNow
	case domain.PriorityNext:
		return torrent.PiecePriorityNext
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	case domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityNormal
	}
}

// wantedBytes sums the sizes of pieces whose priority is not None, and of
// those the ones already complete. The last piece may be shorter than
// pieceLength.
func wantedBytes(prios []domain.Priority, complete func(int) bool, pieceLength, length int64) (done, total int64) {
	if pieceLength <= 0 || length <= 0 {
		return 0, 0
	}
	for i, prio := range prios {
		if prio == domain.PriorityNone {
			continue
		}
		start := int64(i) * pieceLength
		if start >= length {
			break
		}
		size := pieceLength
		if start+size > length {
			size = length - start
		}
		total += size
		if complete(i) {
			done += size
		}
	}
	return done, total
}
