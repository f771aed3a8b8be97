package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
)

func read(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}

func TestRecordLedgerOperationLabelsByCode(t *testing.T) {
	before := read(t, ledgerOperations.WithLabelValues("spawn", "INSUFFICIENT_EARNINGS"))
	RecordLedgerOperation("spawn", svcerrors.InsufficientEarnings("1", "2"), time.Millisecond)
	after := read(t, ledgerOperations.WithLabelValues("spawn", "INSUFFICIENT_EARNINGS"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}

	okBefore := read(t, ledgerOperations.WithLabelValues("spawn", "OK"))
	RecordLedgerOperation("spawn", nil, 0)
	if got := read(t, ledgerOperations.WithLabelValues("spawn", "OK")); got != okBefore+1 {
		t.Fatalf("expected OK counter to increase")
	}
}

func TestAuditGauges(t *testing.T) {
	SetAuditBacklog(3)
	if got := read(t, auditBacklog); got != 3 {
		t.Fatalf("backlog gauge = %v", got)
	}
	before := read(t, auditDropped)
	RecordAuditDropped()
	if got := read(t, auditDropped); got != before+1 {
		t.Fatalf("dropped counter = %v", got)
	}
}

func TestInstrumentHandlerUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(InstrumentHandler)
	router.HandleFunc("/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.Handle("/metrics", Handler())

	before := read(t, apiResponses.WithLabelValues("/agents/{id}", "GET", "418"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := read(t, apiResponses.WithLabelValues("/agents/{id}", "GET", "418")); got != before+1 {
		t.Fatalf("request counter = %v", got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "agent_ledger_api_responses_total") {
		t.Fatalf("metrics output missing http counter")
	}
}
