package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"torrentgate/internal/app"
	"torrentgate/internal/domain"
	"torrentgate/internal/services/stream"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDomainError maps coordinator and engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "file not found")
	case errors.Is(err, domain.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "not_initialized", "torrent session is still starting")
	case errors.Is(err, domain.ErrStreamCancelled):
		writeError(w, http.StatusServiceUnavailable, "stream_cancelled", "stream was stopped")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "timed out waiting for data")
	case errors.Is(err, domain.ErrTorrentInfo):
		writeError(w, http.StatusBadRequest, "invalid_source", err.Error())
	case errors.Is(err, domain.ErrInvalidStream), errors.Is(err, app.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, stream.ErrStreamActive):
		writeError(w, http.StatusConflict, "stream_active", "stop the active stream first")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

// parseByteRange resolves a single "bytes=" range against a file of size
// bytes, returning inclusive offsets. Suffix ranges ("bytes=-500") count from
// the end and open ranges ("bytes=100-") run to the last byte.
func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}
	value = strings.TrimSpace(value)
	if len(value) < len("bytes=") || !strings.EqualFold(value[:len("bytes=")], "bytes=") {
		return 0, 0, errInvalidRange
	}
	startStr, endStr, ok := strings.Cut(value[len("bytes="):], "-")
	if !ok || strings.Contains(endStr, ",") {
		return 0, 0, errInvalidRange
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		suffix, err := parseOffset(endStr)
		if err != nil || suffix == 0 {
			return 0, 0, errInvalidRange
		}
		return size - min(suffix, size), size - 1, nil
	}

	start, err := parseOffset(startStr)
	if err != nil {
		return 0, 0, errInvalidRange
	}
	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}
	if endStr == "" {
		return start, size - 1, nil
	}
	end, err := parseOffset(endStr)
	if err != nil || end < start {
		return 0, 0, errInvalidRange
	}
	return start, min(end, size-1), nil
}

func parseOffset(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errInvalidRange
	}
	return n, nil
}

// mediaTypes covers containers that mime.TypeByExtension often misses on
// minimal images.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

func fallbackContentType(ext string) string {
	if ct, ok := mediaTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}
