package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service passes readiness checks.",
	})
)

// Exchange metrics. Updated by the HTTP layer after successful commits.
var (
	recordsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_records_created_total",
		Help: "Medical records registered in the catalogue.",
	})

	grantsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_grants_issued_total",
		Help: "Access grants issued by record owners.",
	})

	contributionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_contributions_total",
		Help: "Accepted marketplace contributions.",
	})

	escrowHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_escrow_held_units",
		Help: "Credits currently held in marketplace custody.",
	})
)

// Init registers metrics on the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		recordsCreatedTotal, grantsIssuedTotal, contributionsTotal, escrowHeld,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady updates the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// RecordCreated increments the record creation counter.
func RecordCreated() { recordsCreatedTotal.Inc() }

// GrantIssued increments the grant issuance counter.
func GrantIssued() { grantsIssuedTotal.Inc() }

// ContributionAccepted increments the contribution counter.
func ContributionAccepted() { contributionsTotal.Inc() }

// EscrowDelta adjusts the custody gauge by the signed amount.
func EscrowDelta(delta int64) { escrowHeld.Add(float64(delta)) }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded: /v1/records/42 -> /v1/records/:id.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/<collection>/<id>[/<leaf>]
	if len(parts) >= 4 && parts[1] == "v1" && parts[3] != "" {
		switch len(parts) {
		case 4:
			parts[3] = ":id"
			return strings.Join(parts, "/")
		case 5:
			switch parts[4] {
			case "balance", "records", "earnings", "close", "contributions", "grants", "content", "accesses":
				parts[3] = ":id"
				return strings.Join(parts, "/")
			}
		case 6:
			if parts[4] == "grants" {
				parts[3] = ":id"
				parts[5] = ":grantee"
				return strings.Join(parts, "/")
			}
		}
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streamable through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
