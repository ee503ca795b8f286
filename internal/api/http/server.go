package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"torrentgate/internal/app"
	"torrentgate/internal/domain"
	"torrentgate/internal/services/events"
	"torrentgate/internal/services/stream"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StreamService is the stream coordinator as seen by the gateway.
type StreamService interface {
	StartStream(source string, fileIndex *int) error
	StopStream()
	Lookup(filename string) (stream.File, error)
	OnRangeRequested(filename string, offset, length int64) error
	WaitForBytes(ctx context.Context, filename string, offset, length int64, timeout time.Duration) error
	Snapshot() stream.Snapshot
	Cleanup() error
	AddListener(l events.Listener) string
	RemoveListener(id string)
}

type SessionStatus interface {
	IsInitialized() bool
	DHTNodes() int
}

type TorrentSettingsController interface {
	Get() app.TorrentSettingsView
	Update(settings domain.TorrentSettings) error
}

const (
	defaultChunkBytes = 2 << 20
	maxChunkBytes     = 8 << 20
)

type Server struct {
	streams        StreamService
	session        SessionStatus
	settings       TorrentSettingsController
	publicBaseURL  string
	defaultChunk   int64
	maxChunk       int64
	waitTimeout    time.Duration
	rateRPS        float64
	rateBurst      int
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
	wsListenerID   string
}

type ServerOption func(*Server)

func WithSession(session SessionStatus) ServerOption {
	return func(s *Server) {
		s.session = session
	}
}

func WithTorrentSettings(ctrl TorrentSettingsController) ServerOption {
	return func(s *Server) {
		s.settings = ctrl
	}
}

// WithPublicBaseURL fixes the origin used in video URLs. When empty, the
// request's own scheme and host are used.
func WithPublicBaseURL(base string) ServerOption {
	return func(s *Server) {
		s.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithChunkSizes sets the span served for requests without a Range header
// and the upper bound of any single response.
func WithChunkSizes(defaultChunk, maxChunk int64) ServerOption {
	return func(s *Server) {
		if defaultChunk > 0 {
			s.defaultChunk = defaultChunk
		}
		if maxChunk > 0 {
			s.maxChunk = maxChunk
		}
	}
}

func WithWaitTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.waitTimeout = timeout
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateRPS = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(streams StreamService, opts ...ServerOption) *Server {
	s := &Server{
		streams:      streams,
		defaultChunk: defaultChunkBytes,
		maxChunk:     maxChunkBytes,
		rateRPS:      100,
		rateBurst:    200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.defaultChunk > s.maxChunk {
		s.defaultChunk = s.maxChunk
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()
	if s.streams != nil {
		s.wsListenerID = s.streams.AddListener(s.wsHub)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/video/", s.handleVideo)
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/settings/torrent", s.handleTorrentSettings)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrent-gateway",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/status"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close detaches the WebSocket bridge from the event hub and disconnects
// every client.
func (s *Server) Close() {
	if s.streams != nil && s.wsListenerID != "" {
		s.streams.RemoveListener(s.wsListenerID)
		s.wsListenerID = ""
	}
	s.wsHub.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// videoURL builds the playback URL for filename, falling back to the
// request's own origin when no public base URL is configured.
func (s *Server) videoURL(r *http.Request, filename string) string {
	base := s.publicBaseURL
	if base == "" && r != nil {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return stream.BuildURL(base, filename)
}
