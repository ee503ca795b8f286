package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported operation")

	// ErrTorrent is the generic session/engine failure.
	ErrTorrent = errors.New("torrent error")
	// ErrTorrentInfo reports that metadata for a source could not be fetched or decoded.
	ErrTorrentInfo = errors.New("failed to retrieve torrent information")
	// ErrInvalidStream is returned when a stream is requested from a torrent in an unusable state.
	ErrInvalidStream   = errors.New("invalid stream")
	ErrFailedToPrepare = fmt.Errorf("%w: failed to prepare torrent stream", ErrInvalidStream)
	// ErrStream is the generic HTTP serving failure.
	ErrStream = errors.New("stream error")
	// ErrInvalidHandle reports an unknown or retired torrent, or a piece index out of range.
	ErrInvalidHandle = errors.New("invalid handle")

	ErrNotInitialized    = errors.New("torrent session not initialized")
	ErrStreamCancelled   = errors.New("stream cancelled")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// LoadErrorMessage is the message published when a source cannot be resolved.
const LoadErrorMessage = "Failed to retrieve torrent information"

func WrapTorrent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTorrent, err)
}

func WrapTorrentInfo(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTorrentInfo) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTorrentInfo, err)
}

func WrapStream(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStream, err)
}
