package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"torrentgate/internal/domain"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string

	Torrent        domain.TorrentSettings
	ListenPort     int
	NoDHT          bool
	DHTMinNodes    int
	ResolveTimeout time.Duration // 0 = unbounded
	MinFreeBytes   int64         // 0 disables the disk pressure guard

	StreamLookahead    int
	StreamDefaultChunk int64
	StreamMaxChunk     int64
	StreamWaitTimeout  time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	MongoURI         string
	MongoDatabase    string
	RedisURL         string
	RedisPrefix      string
	MetadataCacheTTL time.Duration
}

// LoadConfig reads the environment, after merging a .env file from the
// working directory when one exists.
func LoadConfig() Config {
	_ = godotenv.Load(".env")

	return Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),

		Torrent: domain.TorrentSettings{
			SaveDir:           getEnv("TORRENT_SAVE_DIR", "data"),
			ConnectionsLimit:  int(getEnvInt64("TORRENT_CONNECTIONS_LIMIT", domain.DefaultConnectionsLimit)),
			DownloadRateLimit: getEnvInt64("TORRENT_DOWNLOAD_RATE_LIMIT", 0),
			UploadRateLimit:   getEnvInt64("TORRENT_UPLOAD_RATE_LIMIT", 0),
			AutoCleanup:       getEnvBool("TORRENT_AUTO_CLEANUP", true),
		},
		ListenPort:     int(getEnvInt64("TORRENT_LISTEN_PORT", 0)),
		NoDHT:          getEnvBool("TORRENT_NO_DHT", false),
		DHTMinNodes:    int(getEnvInt64("TORRENT_DHT_MIN_NODES", 10)),
		ResolveTimeout: getEnvDuration("TORRENT_RESOLVE_TIMEOUT", 60*time.Second),
		MinFreeBytes:   getEnvInt64("TORRENT_MIN_FREE_BYTES", 0),

		StreamLookahead:    int(getEnvInt64("STREAM_LOOKAHEAD_PIECES", 5)),
		StreamDefaultChunk: getEnvInt64("STREAM_DEFAULT_CHUNK_BYTES", 2<<20),
		StreamMaxChunk:     getEnvInt64("STREAM_MAX_CHUNK_BYTES", 8<<20),
		StreamWaitTimeout:  getEnvDuration("STREAM_WAIT_TIMEOUT", 30*time.Second),
		RateLimitRPS:       float64(getEnvInt64("HTTP_RATE_LIMIT_RPS", 100)),
		RateLimitBurst:     int(getEnvInt64("HTTP_RATE_LIMIT_BURST", 200)),
		CORSAllowedOrigins: parseCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),

		MongoURI:         getEnv("MONGO_URI", ""),
		MongoDatabase:    getEnv("MONGO_DB", "torrentgate"),
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisPrefix:      getEnv("REDIS_PREFIX", "torrentgate:"),
		MetadataCacheTTL: getEnvDuration("METADATA_CACHE_TTL", 24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func parseCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
