package torrent

import (
	"math"

	"torrentgate/internal/domain"
)

const (
	preparePercentage = 0.08
	prepareMinPieces  = 8
	prepareTailPieces = 3
)

// PreparationPieces returns the pieces that must be on disk before playback
// can start: the head of the file (at least 8 pieces or 8% of the file,
// whichever is larger) and its last 3 pieces, which usually hold the container
// index. first and end describe the file's half-open piece range.
func PreparationPieces(first, end int) []int {
	total := end - first
	if total <= 0 {
		return nil
	}
	count := prepareMinPieces
	if total < count {
		count = total
	}
	if pct := int(math.Ceil(float64(total) * preparePercentage)); pct > count {
		count = pct
	}

	seen := make(map[int]struct{}, count+prepareTailPieces)
	out := make([]int, 0, count+prepareTailPieces)
	add := func(i int) {
		if _, ok := seen[i]; ok {
			return
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	headEnd := first + count
	if headEnd > end {
		headEnd = end
	}
	for i := first; i < headEnd; i++ {
		add(i)
	}
	tail := end - prepareTailPieces
	if tail < first {
		tail = first
	}
	for i := tail; i < end; i++ {
		add(i)
	}
	return out
}

// WindowPieces returns the inclusive piece range that covers [offset,
// offset+length) of a file starting at fileOffset, extended by lookahead
// pieces and clamped to the file's pieces [first, end).
func WindowPieces(pieceLength, fileOffset, offset, length int64, lookahead, first, end int) (int, int, bool) {
	if pieceLength <= 0 || length <= 0 || offset < 0 || end <= first {
		return 0, 0, false
	}
	start := fileOffset + offset
	stop := start + length - 1
	lo := int(start / pieceLength)
	hi := int(stop/pieceLength) + lookahead
	if lo < first {
		lo = first
	}
	if hi >= end {
		hi = end - 1
	}
	if lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

// FilePieceRange returns the half-open piece range [first, end) holding f.
func FilePieceRange(pieceLength int64, numPieces int, f domain.FileRef) (int, int) {
	if pieceLength <= 0 || f.Length <= 0 {
		return 0, 0
	}
	first := int(f.Offset / pieceLength)
	end := int((f.Offset + f.Length + pieceLength - 1) / pieceLength)
	if end > numPieces {
		end = numPieces
	}
	return first, end
}
