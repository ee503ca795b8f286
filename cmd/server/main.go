package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/errgroup"

	apihttp "torrentgate/internal/api/http"
	"torrentgate/internal/app"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
	mongorepo "torrentgate/internal/repository/mongo"
	"torrentgate/internal/services/diskpressure"
	"torrentgate/internal/services/events"
	"torrentgate/internal/services/session"
	"torrentgate/internal/services/stream"
	"torrentgate/internal/services/torrent"
	"torrentgate/internal/services/torrent/engine/anacrolix"
	redisstore "torrentgate/internal/storage/redis"
	"torrentgate/internal/telemetry"
)

const serviceName = "torrent-gateway"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName))
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("saveDir", cfg.Torrent.SaveDir),
		slog.Int("connectionsLimit", cfg.Torrent.ConnectionsLimit),
		slog.Bool("autoCleanup", cfg.Torrent.AutoCleanup),
		slog.Bool("noDHT", cfg.NoDHT),
		slog.String("maxChunk", humanize.IBytes(uint64(cfg.StreamMaxChunk))),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoClient, settingsStore := connectSettingsStore(rootCtx, cfg, logger)
	metadataCache := connectMetadataCache(rootCtx, cfg, logger)

	settingsMgr := app.NewTorrentSettingsManager(cfg.Torrent, settingsStore, logger)
	loadCtx, cancelLoad := context.WithTimeout(rootCtx, 5*time.Second)
	if err := settingsMgr.Load(loadCtx); err != nil {
		logger.Warn("torrent settings load failed", slog.String("error", err.Error()))
	}
	cancelLoad()

	engine := anacrolix.New(anacrolix.Config{
		ListenPort:     cfg.ListenPort,
		NoDHT:          cfg.NoDHT,
		ResolveTimeout: cfg.ResolveTimeout,
		Cache:          metadataCache,
		Logger:         logger,
	})

	hub := events.NewHub(logger)
	defer hub.Close()

	factory := torrent.NewFactory(engine, hub, logger)
	dhtMinNodes := cfg.DHTMinNodes
	if cfg.NoDHT {
		dhtMinNodes = 0
	}
	sessionMgr := session.NewManager(engine, factory, settingsMgr, session.Config{DHTMinNodes: dhtMinNodes}, logger)
	coordinator := stream.New(sessionMgr, engine, factory, hub, stream.Config{
		Lookahead:   cfg.StreamLookahead,
		WaitTimeout: cfg.StreamWaitTimeout,
	}, logger)
	factory.AddCreationListener(coordinator)
	sessionMgr.SetStreamStopper(coordinator)
	sessionMgr.Initialize()

	handler := apihttp.NewServer(coordinator,
		apihttp.WithLogger(logger),
		apihttp.WithSession(sessionMgr),
		apihttp.WithTorrentSettings(settingsMgr),
		apihttp.WithPublicBaseURL(cfg.PublicBaseURL),
		apihttp.WithChunkSizes(cfg.StreamDefaultChunk, cfg.StreamMaxChunk),
		apihttp.WithWaitTimeout(cfg.StreamWaitTimeout),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		updateStreamMetrics(gctx, coordinator, logger)
		return nil
	})
	guard := &diskpressure.Guard{
		Current: func() (diskpressure.Pauser, bool) {
			t, ok := coordinator.Current()
			if !ok {
				return nil, false
			}
			return t, true
		},
		SaveDir:      func() string { return settingsMgr.Current().SaveDir },
		MinFreeBytes: cfg.MinFreeBytes,
		Logger:       logger,
	}
	g.Go(func() error {
		guard.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("http server error", slog.String("error", err.Error()))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sessionMgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown error", slog.String("error", err.Error()))
	}
	if settingsMgr.Current().AutoCleanup {
		if err := coordinator.Cleanup(); err != nil {
			logger.Warn("cleanup failed", slog.String("error", err.Error()))
		}
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// connectSettingsStore returns a nil store when MongoDB is not configured or
// unreachable; settings then live only in memory.
func connectSettingsStore(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, ports.SettingsStore) {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		logger.Info("mongo not configured, torrent settings are not persisted")
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed", slog.String("error", err.Error()))
		return nil, nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil, nil
	}
	logger.Info("mongo connected", slog.String("database", cfg.MongoDatabase))
	return client, mongorepo.NewTorrentSettingsRepository(client, cfg.MongoDatabase)
}

func connectMetadataCache(ctx context.Context, cfg app.Config, logger *slog.Logger) ports.MetadataCache {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, metadata cache disabled", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable, metadata cache disabled", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return redisstore.NewMetadataCache(client, cfg.RedisPrefix, cfg.MetadataCacheTTL)
}

// updateStreamMetrics samples the active stream into Prometheus gauges.
func updateStreamMetrics(ctx context.Context, coordinator *stream.Coordinator, logger *slog.Logger) {
	sampleTicker := time.NewTicker(2 * time.Second)
	logTicker := time.NewTicker(30 * time.Second)
	defer sampleTicker.Stop()
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			snap := coordinator.Snapshot()
			if snap.Status == nil {
				metrics.DownloadSpeedBytes.Set(0)
				metrics.UploadSpeedBytes.Set(0)
				metrics.PeersConnected.Set(0)
				metrics.StreamProgressRatio.Set(0)
				continue
			}
			metrics.DownloadSpeedBytes.Set(float64(snap.Status.DownloadSpeed))
			metrics.UploadSpeedBytes.Set(float64(snap.Status.UploadSpeed))
			metrics.PeersConnected.Set(float64(snap.Status.Peers))
			metrics.StreamProgressRatio.Set(snap.Status.Progress)
		case <-logTicker.C:
			snap := coordinator.Snapshot()
			if snap.Status == nil {
				continue
			}
			logger.Info("stream progress",
				slog.String("infoHash", snap.InfoHash),
				slog.String("state", string(snap.State)),
				slog.String("downloaded", humanize.Bytes(uint64(max(snap.Status.Downloaded, 0)))),
				slog.String("total", humanize.Bytes(uint64(max(snap.Status.Total, 0)))),
				slog.String("downloadSpeed", humanize.Bytes(uint64(max(snap.Status.DownloadSpeed, 0)))+"/s"),
				slog.Int("peers", snap.Status.Peers),
			)
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
