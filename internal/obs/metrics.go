package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	contractCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aarna_contract_calls_total",
			Help: "Contract invocations by operation and result.",
		},
		[]string{"op", "result"},
	)

	contractCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aarna_contract_call_duration_seconds",
			Help:    "Contract invocation latency including the ledger commit.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	creditsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aarna_credits_issued_total",
		Help: "Credit units issued to project submitters.",
	})

	activeListings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aarna_active_listings",
		Help: "Marketplace listings whose tokens are in escrow.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aarna_ready",
		Help: "1 when the last readiness check passed.",
	})

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			contractCalls, contractCallDuration, creditsIssued, activeListings, ready,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCall records one contract invocation.
func ObserveCall(op, result string, d time.Duration) {
	contractCalls.WithLabelValues(op, result).Inc()
	contractCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func AddCreditsIssued(n uint64) { creditsIssued.Add(float64(n)) }

func SetActiveListings(n int) { activeListings.Set(float64(n)) }

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps next with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource ids so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "projects", "listings":
			if len(parts) <= 4 {
				parts[2] = ":id"
			}
		case "accounts":
			if len(parts) == 3 || (len(parts) == 4 && parts[3] == "balance") {
				parts[2] = ":address"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Flush passes through so SSE handlers keep working behind Instrument.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
