package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
)

const namespace = "agent_ledger"

var (
	// Registry holds every ledgerd collector, including Go runtime and process stats.
	Registry = prometheus.NewRegistry()

	apiInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "API requests currently being served, open audit streams included.",
		},
	)

	apiResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "responses_total",
			Help:      "API responses by route template and status code.",
		},
		[]string{"route", "method", "code"},
	)

	apiLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "API handler latency. Websocket streams are not observed.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route", "method"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome code.",
		},
		[]string{"operation", "code"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	ledgerRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "conflict_retries_total",
			Help:      "Ledger operations retried after a concurrency conflict.",
		},
		[]string{"operation"},
	)

	creditedUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposits",
			Name:      "credited_units_total",
			Help:      "Credit units issued from deposits.",
		},
		[]string{"token"},
	)

	auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Audit store writes by path and success.",
		},
		[]string{"path", "success"},
	)

	auditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit entries dropped because the queue or backlog was full.",
		},
	)

	auditBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "backlog_entries",
			Help:      "Audit entries awaiting reconciliation.",
		},
	)
)

func init() {
	Registry.MustRegister(
		apiInFlight,
		apiResponses,
		apiLatency,
		ledgerOperations,
		ledgerDuration,
		ledgerRetries,
		creditedUnits,
		auditWrites,
		auditDropped,
		auditBacklog,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// routeLabel keeps label cardinality bounded: agent and user IDs collapse
// into the mux template.
func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tpl
}

// InstrumentHandler counts API responses and observes their latency.
// Scrapes of /metrics are not counted.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		apiInFlight.Inc()
		defer apiInFlight.Dec()

		sw := &statusRecorder{ResponseWriter: w}
		began := time.Now()
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		route, method := routeLabel(r), strings.ToUpper(r.Method)
		apiResponses.WithLabelValues(route, method, strconv.Itoa(sw.status)).Inc()
		if sw.status != http.StatusSwitchingProtocols {
			apiLatency.WithLabelValues(route, method).Observe(time.Since(began).Seconds())
		}
	})
}

// RecordLedgerOperation records the outcome of one service-level ledger call.
// Successful calls are labelled "OK"; failures by their error code.
func RecordLedgerOperation(operation string, err error, duration time.Duration) {
	code := "OK"
	if err != nil {
		code = string(svcerrors.CodeOf(err))
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	ledgerOperations.WithLabelValues(operation, code).Inc()
	ledgerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLedgerRetry counts one conflict retry of operation.
func RecordLedgerRetry(operation string) {
	ledgerRetries.WithLabelValues(operation).Inc()
}

// RecordCreditedUnits adds units credited from a deposit in token.
func RecordCreditedUnits(token string, units float64) {
	if token == "" {
		token = "unknown"
	}
	creditedUnits.WithLabelValues(token).Add(units)
}

// RecordAuditWrite records an audit store write attempt. path is one of
// "sync", "async" or "reconcile".
func RecordAuditWrite(path string, success bool) {
	auditWrites.WithLabelValues(path, strconv.FormatBool(success)).Inc()
}

// RecordAuditDropped counts an audit entry that was discarded.
func RecordAuditDropped() {
	auditDropped.Inc()
}

// SetAuditBacklog reports the reconciliation backlog size.
func SetAuditBacklog(n int) {
	auditBacklog.Set(float64(n))
}

// statusRecorder remembers the first status written.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sw *statusRecorder) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusRecorder) Write(p []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(p)
}

// Hijack lets websocket upgrades pass through instrumentation.
func (sw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	sw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
