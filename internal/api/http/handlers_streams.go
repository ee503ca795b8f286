package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"torrentgate/internal/services/stream"
)

type startStreamRequest struct {
	Source    string `json:"source"`
	FileIndex *int   `json:"fileIndex,omitempty"`
}

type statusResponse struct {
	Initialized bool `json:"initialized"`
	DHTNodes    int  `json:"dhtNodes"`
	stream.Snapshot
	URL string `json:"url,omitempty"`
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream coordinator not configured")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleStartStream(w, r)
	case http.MethodDelete:
		s.streams.StopStream()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStartStream accepts the request and returns immediately; resolution
// and the engine add run in the background and report through /ws.
func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var body startStreamRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	body.Source = strings.TrimSpace(body.Source)
	if body.Source == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
		return
	}
	if body.FileIndex != nil && *body.FileIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIndex")
		return
	}

	if err := s.streams.StartStream(body.Source, body.FileIndex); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("stream requested", slog.String("source", truncate(body.Source, 80)))
	writeJSON(w, http.StatusAccepted, s.streams.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{}
	if s.session != nil {
		resp.Initialized = s.session.IsInitialized()
		resp.DHTNodes = s.session.DHTNodes()
	}
	if s.streams != nil {
		resp.Snapshot = s.streams.Snapshot()
		if resp.Filename != "" {
			resp.URL = s.videoURL(r, resp.Filename)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream coordinator not configured")
		return
	}
	if err := s.streams.Cleanup(); err != nil {
		if !errors.Is(err, stream.ErrStreamActive) {
			s.logger.Error("cleanup failed", slog.String("error", err.Error()))
		}
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
