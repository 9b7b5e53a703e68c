package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sink
type Metrics struct {
	// Input metrics (Kafka)
	MessagesReceived prometheus.Counter
	BytesReceived    prometheus.Counter

	// Bucketing metrics
	RecordsBucketed  prometheus.Counter
	NullKeyRecords   prometheus.Counter
	KeyExtractErrors prometheus.Counter
	SpillWriteErrors prometheus.Counter

	// Per-record latency histograms (microseconds)
	KeyExtractLatency prometheus.Histogram
	SpillLatency      prometheus.Histogram

	// Spill buffer metrics
	ActiveBuffers    prometheus.Gauge
	TotalSpillBytes  prometheus.Gauge
	PendingFlushes   prometheus.Gauge
	FileHandleEvicts prometheus.Counter
	OpenFileHandles  prometheus.Gauge

	// Output metrics
	FlushesCompleted prometheus.Counter
	FlushesFailed    prometheus.Counter
	FlushByReason    *prometheus.CounterVec // Flushes by reason (size, time, force)
	BytesWritten     prometheus.Counter
	FilesWritten     prometheus.Counter
	FilesPromoted    prometheus.Counter
	RowsWritten      prometheus.Counter

	// Flush latency histograms (milliseconds)
	EncodeLatency     prometheus.Histogram
	UploadLatency     prometheus.Histogram
	PromoteLatency    prometheus.Histogram
	TotalFlushLatency prometheus.Histogram

	// Backpressure
	BackpressureActive prometheus.Gauge

	// Runtime metrics
	Goroutines  prometheus.Gauge
	HeapAlloc   prometheus.Gauge
	HeapSys     prometheus.Gauge
	LastGCPause prometheus.Gauge

	// Throughput gauges (calculated rates)
	MessageRate prometheus.Gauge
	FlushRate   prometheus.Gauge
}

// New creates and registers all Prometheus metrics
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "smbsink"
	}

	m := &Metrics{
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from Kafka",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received from Kafka",
		}),

		RecordsBucketed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_bucketed_total",
			Help:      "Total number of records assigned to a bucket",
		}),
		NullKeyRecords: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "null_key_records_total",
			Help:      "Total number of records with a missing or null key",
		}),
		KeyExtractErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_extract_errors_total",
			Help:      "Total number of records whose key could not be extracted",
		}),
		SpillWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spill_write_errors_total",
			Help:      "Total number of spill buffer write errors",
		}),

		KeyExtractLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_extract_latency_microseconds",
			Help:      "Key extraction latency in microseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		SpillLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spill_write_latency_microseconds",
			Help:      "Spill buffer write latency in microseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),

		ActiveBuffers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_buffers",
			Help:      "Number of active spill buffers",
		}),
		TotalSpillBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_spill_bytes",
			Help:      "Total bytes across all spill buffers",
		}),
		PendingFlushes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_flushes",
			Help:      "Number of flushes waiting in queue",
		}),
		FileHandleEvicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_handle_evicts_total",
			Help:      "Total number of file handle LRU evictions",
		}),
		OpenFileHandles: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_file_handles",
			Help:      "Number of open file handles in LRU cache",
		}),

		FlushesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_completed_total",
			Help:      "Total number of successful buffer flushes",
		}),
		FlushesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_failed_total",
			Help:      "Total number of failed buffer flushes",
		}),
		FlushByReason: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_by_reason_total",
			Help:      "Total number of buffer flushes by reason (size, time, force)",
		}, []string{"reason"}),
		BytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total bytes written to sink (S3/filesystem)",
		}),
		FilesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_written_total",
			Help:      "Total bucket files written to the temp directory",
		}),
		FilesPromoted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_promoted_total",
			Help:      "Total bucket files promoted to their final path",
		}),
		RowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Total rows written to parquet bucket files",
		}),

		EncodeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_latency_milliseconds",
			Help:      "Sort and parquet encode latency in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		UploadLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_latency_milliseconds",
			Help:      "Sink upload latency in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		PromoteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "promote_latency_milliseconds",
			Help:      "Temp-to-final promote latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000},
		}),
		TotalFlushLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_latency_milliseconds",
			Help:      "Total flush latency in milliseconds (sort + encode + upload)",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),

		BackpressureActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_active",
			Help:      "Whether backpressure is currently active (1) or not (0)",
		}),

		Goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
		HeapAlloc: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_alloc_bytes",
			Help:      "Bytes allocated on heap",
		}),
		HeapSys: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_sys_bytes",
			Help:      "Bytes obtained from system for heap",
		}),
		LastGCPause: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_last_pause_seconds",
			Help:      "Duration of last GC pause in seconds",
		}),

		MessageRate: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_rate",
			Help:      "Current message processing rate (messages/second)",
		}),
		FlushRate: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flush_rate",
			Help:      "Current flush rate (flushes/second)",
		}),
	}

	return m
}

// UpdateRuntimeMetrics updates Go runtime metrics
func (m *Metrics) UpdateRuntimeMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.Goroutines.Set(float64(runtime.NumGoroutine()))
	m.HeapAlloc.Set(float64(memStats.HeapAlloc))
	m.HeapSys.Set(float64(memStats.HeapSys))

	if memStats.NumGC > 0 {
		m.LastGCPause.Set(float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / 1e9)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDuration is a helper to record duration in a histogram
func ObserveDuration(h prometheus.Histogram, start time.Time, unit time.Duration) {
	h.Observe(float64(time.Since(start)) / float64(unit))
}
