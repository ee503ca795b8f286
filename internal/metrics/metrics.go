package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_streams",
		Help:      "Number of currently active streams (0 or 1).",
	})

	DHTNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "dht_nodes",
		Help:      "Number of good DHT nodes known to the session.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "download_speed_bytes",
		Help:      "Current download speed of the active torrent in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "upload_speed_bytes",
		Help:      "Current upload speed of the active torrent in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "peers_connected",
		Help:      "Number of peers connected to the active torrent.",
	})

	StreamProgressRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "stream_progress_ratio",
		Help:      "Download progress of the active torrent (0..1).",
	})

	RangeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "range_requests_total",
		Help:      "Total video requests by response status.",
	}, []string{"status"})

	ByteWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "byte_wait_seconds",
		Help:      "Time spent waiting for requested bytes to be downloaded.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ByteWaitOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "byte_wait_outcomes_total",
		Help:      "Byte waits by outcome (ready, timeout, cancelled, error).",
	}, []string{"outcome"})

	ResolveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "resolve_total",
		Help:      "Metadata resolutions by source kind and outcome.",
	}, []string{"kind", "outcome"})

	MetadataCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "metadata_cache_total",
		Help:      "Metadata cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	ListenerPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "event_listener_panics_total",
		Help:      "Total number of panics recovered from event listeners.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveStreams,
		DHTNodes,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		StreamProgressRatio,
		RangeRequestsTotal,
		ByteWaitDuration,
		ByteWaitOutcomes,
		ResolveTotal,
		MetadataCacheTotal,
		ListenerPanicsTotal,
	)
}
