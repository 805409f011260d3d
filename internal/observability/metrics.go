package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taulink"

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames read or written, by network and direction.",
		},
		[]string{"network", "direction"},
	)
	dialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dials_total",
			Help:      "Dial attempts by network and outcome.",
		},
		[]string{"network", "success"},
	)
	chainsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "open",
			Help:      "Chains currently registered across all sessions.",
		},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "dispatch_total",
			Help:      "Inbound frames by dispatch outcome.",
		},
		[]string{"outcome"},
	)
	keystoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "operations_total",
			Help:      "Key store facade operations by category, op and result.",
		},
		[]string{"category", "op", "result"},
	)
	keyExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "sends_total",
			Help:      "Dialog sends by key outcome.",
		},
		[]string{"outcome"},
	)
	hostCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "calls_total",
			Help:      "Host bridge calls by method and result.",
		},
		[]string{"method", "result"},
	)
	hostCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "call_duration_seconds",
			Help:      "Host bridge call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal, dialsTotal, chainsOpen, dispatchTotal,
			keystoreOps, keyExchanges, hostCalls, hostCallDuration, httpRequests,
		)
	})
}

func RecordFrame(network, direction string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(network, direction).Inc()
}

func RecordDial(network string, success bool) {
	RegisterMetrics()
	dialsTotal.WithLabelValues(network, strconv.FormatBool(success)).Inc()
}

func ChainLinked() {
	RegisterMetrics()
	chainsOpen.Inc()
}

func ChainRemoved() {
	RegisterMetrics()
	chainsOpen.Dec()
}

// Dispatch outcomes.
const (
	DispatchDelivered = "delivered"
	DispatchCreated   = "created"
	DispatchUnhandled = "unhandled"
	DispatchClosed    = "closed"
)

func RecordDispatch(outcome string) {
	RegisterMetrics()
	dispatchTotal.WithLabelValues(outcome).Inc()
}

func RecordKeyStore(category, op, result string) {
	RegisterMetrics()
	keystoreOps.WithLabelValues(category, op, result).Inc()
}

// Key exchange outcomes.
const (
	ExchangeCached    = "cached"
	ExchangeCreated   = "created"
	ExchangePlaintext = "plaintext"
)

func RecordKeyExchange(outcome string) {
	RegisterMetrics()
	keyExchanges.WithLabelValues(outcome).Inc()
}

func RecordHostCall(method string, err error, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	hostCalls.WithLabelValues(method, result).Inc()
	hostCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
