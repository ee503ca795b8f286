package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"torrentgate/internal/metrics"
)

const dlnaContentFeatures = "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01100000000000000000000000000000"

// handleVideo serves GET and HEAD /video/{filename} from the active stream.
// Every response is bounded: a request without a Range header gets the
// default chunk from offset 0, and no span exceeds the maximum chunk.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw := wrapResponseWriter(w)
	defer func() {
		metrics.RangeRequestsTotal.WithLabelValues(strconv.Itoa(rw.status)).Inc()
	}()

	if s.streams == nil {
		writeError(rw, http.StatusInternalServerError, "internal_error", "stream coordinator not configured")
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/video/")
	if filename == "" {
		writeError(rw, http.StatusNotFound, "not_found", "file not found")
		return
	}
	file, err := s.streams.Lookup(filename)
	if err != nil {
		writeDomainError(rw, err)
		return
	}
	size := file.Length

	// The engine creates the file on its first write; until then there is
	// nothing to wait for.
	if _, err := os.Stat(file.DiskPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(rw, http.StatusNotFound, "not_found", "file not on disk yet")
			return
		}
		writeError(rw, http.StatusInternalServerError, "internal_error", "failed to stat file")
		return
	}

	ext := strings.ToLower(path.Ext(file.Name))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	setStreamHeaders(rw.Header(), contentType)

	if r.Method == http.MethodHead {
		rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		rw.WriteHeader(http.StatusOK)
		return
	}

	start, end := int64(0), s.defaultChunk-1
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		rs, re, err := parseByteRange(rangeHeader, size)
		switch {
		case errors.Is(err, errRangeNotSatisfiable):
			writeNotSatisfiable(rw, size)
			return
		case err != nil:
			// Malformed ranges fall back to the default chunk.
			s.logger.Debug("ignoring invalid range header",
				slog.String("range", truncate(rangeHeader, 64)),
				slog.String("file", file.Name),
			)
		default:
			start, end = rs, re
		}
	}
	if size <= 0 {
		writeNotSatisfiable(rw, size)
		return
	}
	if end >= size {
		end = size - 1
	}
	if end-start+1 > s.maxChunk {
		end = start + s.maxChunk - 1
	}
	length := end - start + 1

	if err := s.streams.OnRangeRequested(file.Name, start, length); err != nil {
		writeDomainError(rw, err)
		return
	}
	if err := s.streams.WaitForBytes(r.Context(), file.Name, start, length, s.waitTimeout); err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			// Client went away; nothing to answer.
			return
		}
		s.logger.Warn("byte wait failed",
			slog.String("file", file.Name),
			slog.Int64("start", start),
			slog.Int64("end", end),
			slog.String("error", err.Error()),
		)
		writeDomainError(rw, err)
		return
	}

	f, err := os.Open(file.DiskPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(rw, http.StatusNotFound, "not_found", "file not on disk yet")
			return
		}
		writeError(rw, http.StatusInternalServerError, "internal_error", "failed to open file")
		return
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		writeError(rw, http.StatusInternalServerError, "internal_error", "failed to seek file")
		return
	}

	status := http.StatusPartialContent
	if isJavaClient(r.UserAgent()) {
		status = http.StatusOK
	}
	rw.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	rw.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	rw.WriteHeader(status)
	if _, err := io.CopyN(rw, f, length); err != nil {
		s.logger.Debug("video copy interrupted",
			slog.String("file", file.Name),
			slog.Int64("start", start),
			slog.Int64("written", rw.size),
			slog.String("error", err.Error()),
		)
	}
}

func setStreamHeaders(h http.Header, contentType string) {
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Connection", "Keep-Alive")
	// DLNA renderers match these names case-sensitively.
	h["transferMode.dlna.org"] = []string{"Streaming"}
	h["realTimeInfo.dlna.org"] = []string{"DLNA.ORG_TLAG=*"}
	h["contentFeatures.dlna.org"] = []string{dlnaContentFeatures}
}

func writeNotSatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Del("Content-Type")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// isJavaClient matches Java HTTP stacks; they get 200 for ranged responses.
func isJavaClient(userAgent string) bool {
	return strings.Contains(userAgent, "Java")
}
