package apihttp

import (
	"encoding/json"
	"net/http"

	"torrentgate/internal/domain"
)

type updateTorrentSettingsRequest struct {
	SaveDir           *string `json:"saveDir"`
	ConnectionsLimit  *int    `json:"connectionsLimit"`
	DownloadRateLimit *int64  `json:"downloadRateLimit"`
	UploadRateLimit   *int64  `json:"uploadRateLimit"`
	AutoCleanup       *bool   `json:"autoCleanup"`
}

func (s *Server) handleTorrentSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "torrent settings are not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.settings.Get())
	case http.MethodPut, http.MethodPatch:
		s.handleUpdateTorrentSettings(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleUpdateTorrentSettings merges the given fields over the current
// settings; omitted fields keep their value.
func (s *Server) handleUpdateTorrentSettings(w http.ResponseWriter, r *http.Request) {
	var body updateTorrentSettingsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}

	next := s.settings.Get().TorrentSettings
	applyTorrentSettingsPatch(&next, body)

	if err := s.settings.Update(next); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func applyTorrentSettingsPatch(next *domain.TorrentSettings, body updateTorrentSettingsRequest) {
	if body.SaveDir != nil {
		next.SaveDir = *body.SaveDir
	}
	if body.ConnectionsLimit != nil {
		next.ConnectionsLimit = *body.ConnectionsLimit
	}
	if body.DownloadRateLimit != nil {
		next.DownloadRateLimit = *body.DownloadRateLimit
	}
	if body.UploadRateLimit != nil {
		next.UploadRateLimit = *body.UploadRateLimit
	}
	if body.AutoCleanup != nil {
		next.AutoCleanup = *body.AutoCleanup
	}
}
