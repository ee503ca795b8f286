package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

var ErrInvalidSettings = errors.New("invalid torrent settings")

type StorageUsage struct {
	SaveDir        string    `json:"saveDir"`
	SaveDirExists  bool      `json:"saveDirExists"`
	SizeBytes      int64     `json:"sizeBytes"`
	AllocatedBytes int64     `json:"allocatedBytes"`
	Files          int       `json:"files"`
	ScannedAt      time.Time `json:"scannedAt"`
}

type TorrentSettingsView struct {
	domain.TorrentSettings
	Usage StorageUsage `json:"usage"`
}

// TorrentSettingsManager holds the live torrent settings. It is the
// ports.SettingsProvider the session manager subscribes to, and persists
// every accepted update through an optional store.
type TorrentSettingsManager struct {
	mu        sync.RWMutex
	store     ports.SettingsStore
	logger    *slog.Logger
	current   domain.TorrentSettings
	listeners map[int]func(domain.TorrentSettings)
	nextID    int
	timeout   time.Duration
}

func NewTorrentSettingsManager(initial domain.TorrentSettings, store ports.SettingsStore, logger *slog.Logger) *TorrentSettingsManager {
	if logger == nil {
		logger = slog.Default()
	}
	initial.SaveDir = filepath.Clean(initial.SaveDir)
	return &TorrentSettingsManager{
		store:     store,
		logger:    logger,
		current:   initial,
		listeners: make(map[int]func(domain.TorrentSettings)),
		timeout:   5 * time.Second,
	}
}

// Load replaces the environment defaults with persisted settings, if any.
// It runs before the session starts so no listeners are notified.
func (m *TorrentSettingsManager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, ok, err := m.store.GetTorrentSettings(ctx)
	if err != nil {
		return fmt.Errorf("load torrent settings: %w", err)
	}
	if !ok {
		return nil
	}
	if err := validateTorrentSettings(stored); err != nil {
		m.logger.Warn("ignoring persisted torrent settings", slog.String("error", err.Error()))
		return nil
	}
	m.mu.Lock()
	m.current = normalizeTorrentSettings(stored, m.current)
	m.mu.Unlock()
	return nil
}

func (m *TorrentSettingsManager) Current() domain.TorrentSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *TorrentSettingsManager) OnChange(fn func(domain.TorrentSettings)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *TorrentSettingsManager) Get() TorrentSettingsView {
	current := m.Current()
	return TorrentSettingsView{
		TorrentSettings: current,
		Usage:           scanStorageUsage(current.SaveDir),
	}
}

// Update validates next, applies it to subscribers and persists it. When
// the store rejects the write, the previous settings are re-applied.
func (m *TorrentSettingsManager) Update(next domain.TorrentSettings) error {
	if err := validateTorrentSettings(next); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.current
	next = normalizeTorrentSettings(next, prev)
	m.current = next
	m.mu.Unlock()

	if next.SaveDir != prev.SaveDir {
		m.logger.Warn("save directory changed; takes effect after restart",
			slog.String("from", prev.SaveDir),
			slog.String("to", next.SaveDir),
		)
	}
	m.notify(next)

	if m.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.SetTorrentSettings(ctx, next); err != nil {
		m.mu.Lock()
		m.current = prev
		m.mu.Unlock()
		m.notify(prev)
		return fmt.Errorf("persist torrent settings: %w", err)
	}
	return nil
}

func (m *TorrentSettingsManager) notify(settings domain.TorrentSettings) {
	m.mu.RLock()
	fns := make([]func(domain.TorrentSettings), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(settings)
	}
}

func validateTorrentSettings(s domain.TorrentSettings) error {
	switch {
	case s.ConnectionsLimit < 0:
		return fmt.Errorf("%w: connectionsLimit must be >= 0", ErrInvalidSettings)
	case s.DownloadRateLimit < 0:
		return fmt.Errorf("%w: downloadRateLimit must be >= 0", ErrInvalidSettings)
	case s.UploadRateLimit < 0:
		return fmt.Errorf("%w: uploadRateLimit must be >= 0", ErrInvalidSettings)
	}
	return nil
}

func normalizeTorrentSettings(next, prev domain.TorrentSettings) domain.TorrentSettings {
	if next.SaveDir == "" {
		next.SaveDir = prev.SaveDir
	}
	next.SaveDir = filepath.Clean(next.SaveDir)
	if next.ConnectionsLimit == 0 {
		next.ConnectionsLimit = domain.DefaultConnectionsLimit
	}
	return next
}

func scanStorageUsage(saveDir string) StorageUsage {
	usage := StorageUsage{
		SaveDir:   saveDir,
		ScannedAt: time.Now().UTC(),
	}
	if saveDir == "" {
		return usage
	}

	info, err := os.Stat(saveDir)
	if err != nil || !info.IsDir() {
		return usage
	}
	usage.SaveDirExists = true

	_ = filepath.WalkDir(saveDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		fileInfo, err := d.Info()
		if err != nil {
			return nil
		}
		usage.Files++
		usage.SizeBytes += fileInfo.Size()
		usage.AllocatedBytes += allocatedBytes(fileInfo)
		return nil
	})
	return usage
}
