// Package metrics exposes the broker's Prometheus counters/gauges and
// a small set of local atomic mirrors for cheap in-process logging
// (avoids round-tripping through the Prometheus registry just to log
// a shutdown summary).
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/labqa/qa-broker/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_subscriptions_active",
		Help: "Current number of logged-on subscribers.",
	})
	SubscriptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_subscriptions_total",
		Help: "Total subscriptions accepted since start.",
	})
	SubscriptionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_subscriptions_rejected_total",
		Help: "Total connection attempts rejected (max clients, bad logon).",
	})
	PublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_published_total",
		Help: "Total frames accepted onto the publish queue.",
	})
	RoutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_routed_total",
		Help: "Total (frame, subscriber) deliveries attempted.",
	})
	MuteDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_mute_dropped_total",
		Help: "Total deliveries skipped because the subscriber is muted.",
	})
	AdminRoutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_admin_routed_total",
		Help: "Total admin-only frames (e.g. screenshot) routed to an admin subscriber.",
	})
	BackpressureDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_backpressure_dropped_total",
		Help: "Total deliveries dropped because a subscriber's send queue was full.",
	})
	BackpressureKickedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_backpressure_kicked_total",
		Help: "Total subscribers disconnected by the kick backpressure policy.",
	})
	PublishQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_publish_queue_depth",
		Help: "Current depth of the broker's single publish queue.",
	})
	SendQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_send_queue_depth_max",
		Help: "Observed max per-subscriber outbound queue depth in the last sample.",
	})
	SendQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_send_queue_depth_avg",
		Help: "Approximate average per-subscriber outbound queue depth in the last sample.",
	})
	FramingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_framing_errors_total",
		Help: "Total connections torn down due to a wire framing violation.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrFraming   = "framing"
	ErrLogon     = "logon"
	ErrRecovery  = "recovery"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at
// /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to read for a shutdown summary log
// line without touching the Prometheus registry.
var (
	localSubscriptions uint64
	localRejected      uint64
	localPublished     uint64
	localRouted        uint64
	localMuteDropped   uint64
	localAdminRouted   uint64
	localBPDropped     uint64
	localBPKicked      uint64
	localFramingErrors uint64
	localErrors        uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	Subscriptions uint64
	Rejected      uint64
	Published     uint64
	Routed        uint64
	MuteDropped   uint64
	AdminRouted   uint64
	BPDropped     uint64
	BPKicked      uint64
	FramingErrors uint64
	Errors        uint64
}

// Snap returns the current local-counter snapshot.
func Snap() Snapshot {
	return Snapshot{
		Subscriptions: atomic.LoadUint64(&localSubscriptions),
		Rejected:      atomic.LoadUint64(&localRejected),
		Published:     atomic.LoadUint64(&localPublished),
		Routed:        atomic.LoadUint64(&localRouted),
		MuteDropped:   atomic.LoadUint64(&localMuteDropped),
		AdminRouted:   atomic.LoadUint64(&localAdminRouted),
		BPDropped:     atomic.LoadUint64(&localBPDropped),
		BPKicked:      atomic.LoadUint64(&localBPKicked),
		FramingErrors: atomic.LoadUint64(&localFramingErrors),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

func IncSubscribed() {
	SubscriptionsTotal.Inc()
	atomic.AddUint64(&localSubscriptions, 1)
}

func IncRejected() {
	SubscriptionsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetActiveSubscriptions(n int) {
	SubscriptionsActive.Set(float64(n))
}

func IncPublished() {
	PublishedTotal.Inc()
	atomic.AddUint64(&localPublished, 1)
}

func IncRouted() {
	RoutedTotal.Inc()
	atomic.AddUint64(&localRouted, 1)
}

func IncMuteDropped() {
	MuteDroppedTotal.Inc()
	atomic.AddUint64(&localMuteDropped, 1)
}

func IncAdminRouted() {
	AdminRoutedTotal.Inc()
	atomic.AddUint64(&localAdminRouted, 1)
}

func IncBackpressureDropped() {
	BackpressureDroppedTotal.Inc()
	atomic.AddUint64(&localBPDropped, 1)
}

func IncBackpressureKicked() {
	BackpressureKickedTotal.Inc()
	atomic.AddUint64(&localBPKicked, 1)
}

func SetPublishQueueDepth(n int) {
	PublishQueueDepth.Set(float64(n))
}

func SetSendQueueDepth(max, avg int) {
	SendQueueDepthMax.Set(float64(max))
	SendQueueDepthAvg.Set(float64(avg))
}

func IncFramingError() {
	FramingErrorsTotal.Inc()
	atomic.AddUint64(&localFramingErrors, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrConnRead, ErrConnWrite, ErrFraming, ErrLogon, ErrRecovery} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to
// ready if none has been set yet.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
