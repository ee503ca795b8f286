package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
)

const (
	defaultDHTMinNodes  = 10
	defaultPollInterval = time.Second
)

// Dispatcher receives every engine alert. The torrent factory implements it.
type Dispatcher interface {
	Dispatch(a ports.Alert)
}

// StreamStopper is stopped before the engine on shutdown.
type StreamStopper interface {
	StopAllStreams()
}

type Config struct {
	// DHTMinNodes is the number of good DHT nodes required before the
	// session reports itself initialized. 0 skips the wait.
	DHTMinNodes  int
	PollInterval time.Duration
}

// Manager owns the engine session: it starts it in the background, waits for
// DHT bootstrap, routes alerts and keeps settings applied.
type Manager struct {
	engine     ports.Engine
	dispatcher Dispatcher
	settings   ports.SettingsProvider
	cfg        Config
	logger     *slog.Logger

	initialized atomic.Bool

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	stopSettings func()
	stopper      StreamStopper
	startErr     error
	wg           sync.WaitGroup
}

func NewManager(engine ports.Engine, dispatcher Dispatcher, settings ports.SettingsProvider, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DHTMinNodes < 0 {
		cfg.DHTMinNodes = defaultDHTMinNodes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Manager{
		engine:     engine,
		dispatcher: dispatcher,
		settings:   settings,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "session")),
	}
}

func (m *Manager) Engine() ports.Engine { return m.engine }

// SetStreamStopper registers what Shutdown stops before closing the engine.
func (m *Manager) SetStreamStopper(s StreamStopper) {
	m.mu.Lock()
	m.stopper = s
	m.mu.Unlock()
}

// Initialize starts the engine session in the background and returns at
// once. Failures are logged and reported by Err; IsInitialized stays false.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if m.settings != nil {
		m.stopSettings = m.settings.OnChange(func(s domain.TorrentSettings) {
			if err := m.ApplySettings(s); err != nil {
				m.logger.Warn("apply settings failed", slog.String("error", err.Error()))
			}
		})
	}

	m.wg.Add(1)
	go m.bootstrap(ctx)
}

func (m *Manager) bootstrap(ctx context.Context) {
	defer m.wg.Done()

	settings := m.Settings()
	if err := m.engine.Start(ctx, settings); err != nil {
		m.logger.Error("engine start failed", slog.String("error", err.Error()))
		m.mu.Lock()
		m.startErr = err
		m.mu.Unlock()
		return
	}

	m.wg.Add(1)
	go m.alertLoop(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		nodes := m.engine.DHTNodes()
		metrics.DHTNodes.Set(float64(nodes))
		if nodes >= m.cfg.DHTMinNodes {
			m.initialized.Store(true)
			m.logger.Info("torrent session initialized",
				slog.Int("dhtNodes", nodes),
				slog.String("saveDir", settings.SaveDir),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// alertLoop is the single consumer of engine alerts.
func (m *Manager) alertLoop(ctx context.Context) {
	defer m.wg.Done()
	alerts := m.engine.Alerts()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			if m.dispatcher != nil {
				m.dispatcher.Dispatch(a)
			}
		}
	}
}

func (m *Manager) IsInitialized() bool { return m.initialized.Load() }

// Err returns the engine start failure, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startErr
}

func (m *Manager) DHTNodes() int { return m.engine.DHTNodes() }

func (m *Manager) Settings() domain.TorrentSettings {
	if m.settings == nil {
		return domain.TorrentSettings{ConnectionsLimit: domain.DefaultConnectionsLimit}
	}
	return m.settings.Current()
}

// ApplySettings re-applies limits to the running session.
func (m *Manager) ApplySettings(s domain.TorrentSettings) error {
	if err := m.engine.ApplySettings(s); err != nil {
		return domain.WrapTorrent(err)
	}
	m.logger.Info("torrent settings applied",
		slog.Int("connectionsLimit", s.ConnectionsLimit),
		slog.Int64("downloadRateLimit", s.DownloadRateLimit),
		slog.Int64("uploadRateLimit", s.UploadRateLimit),
	)
	return nil
}

// Shutdown stops any active stream, then the alert loop, then the engine.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	stopper := m.stopper
	cancel := m.cancel
	stopSettings := m.stopSettings
	m.cancel = nil
	m.stopSettings = nil
	m.mu.Unlock()

	if stopper != nil {
		stopper.StopAllStreams()
	}
	if stopSettings != nil {
		stopSettings()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	m.initialized.Store(false)
	return errors.Join(waitErr, m.engine.Close())
}
