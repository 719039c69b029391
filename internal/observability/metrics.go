package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_tcp_connections_total",
		Help: "Accepted TCP connections",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avl_active_sessions",
		Help: "Device sessions currently running",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_handshake_ok_total",
		Help: "Successful IMEI handshakes",
	})
	HandshakeFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_handshake_failed_total",
		Help: "Rejected or broken IMEI handshakes",
	})
	PacketsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_packets_received_total",
		Help: "AVL frames received",
	})
	PreambleSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_preamble_skipped_total",
		Help: "Non-zero preambles discarded while resynchronizing",
	})
	RecordsAck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_records_ack_total",
		Help: "AVL records persisted and acknowledged",
	})
	RecordsTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_blocks_truncated_total",
		Help: "Blocks that ended before their declared record count",
	})
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_parse_errors_total",
		Help: "Decode failures by kind",
	}, []string{"kind"})
	CRCErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_crc_errors_total",
		Help: "Frames rejected by CRC verification",
	})
	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_persist_errors_total",
		Help: "Records that failed to persist",
	})
	RedisSetErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_redis_set_errors_total",
		Help: "Failed writes to the Redis state cache",
	})
	ForwardDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_forward_dropped_total",
		Help: "Downstream events dropped because the queue was full",
	})
	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_forward_errors_total",
		Help: "Downstream delivery failures by target",
	}, []string{"target"})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avl_parse_latency_seconds",
		Help:    "Decode latency per frame",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

// MetricsHandler serves /metrics and /healthz.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartMetricsServer serves MetricsHandler on port until ctx is done.
func StartMetricsServer(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
