package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cashback-engine/internal/engine"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashback_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cashback_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashback_http_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashback_http_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)

	NavigationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashback_navigation_outcomes_total",
			Help: "Processed navigation signals by action and block reason",
		}, []string{"action", "reason"},
	)
	Redirects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashback_redirects_total",
			Help: "Redirect issuance attempts by result",
		}, []string{"result"},
	)
	Orchestrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashback_orchestrations_in_flight",
		Help: "Navigation orchestrations currently running",
	})
	ActiveDomains = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashback_active_domains",
		Help: "Entries in the activation registry",
	})
	TabConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashback_tab_connections",
		Help: "Open websocket connections from tabs",
	})
	TabMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashback_tab_messages_total",
			Help: "Messages queued for tabs by type",
		}, []string{"type"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal, Latency, InFlight, RequestErrors,
		NavigationOutcomes, Redirects, Orchestrations, ActiveDomains, TabConnections, TabMessages)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

// EngineObserver records engine measurements in the metrics above.
type EngineObserver struct{}

var _ engine.Observer = EngineObserver{}

func (EngineObserver) Outcome(o engine.Outcome) {
	NavigationOutcomes.WithLabelValues(string(o.Action), string(o.Reason)).Inc()
}

func (EngineObserver) Redirect(kind engine.ResultKind) {
	Redirects.WithLabelValues(string(kind)).Inc()
}

func (EngineObserver) InFlight(n int64) { Orchestrations.Set(float64(n)) }

func (EngineObserver) ActiveDomains(n int) { ActiveDomains.Set(float64(n)) }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *rec) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
		if rr.code >= 500 {
			RequestErrors.WithLabelValues("server").Inc()
		} else if rr.code >= 400 {
			RequestErrors.WithLabelValues("client").Inc()
		}
	})
}
