package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iho/payledger/internal/domain"
)

func TestNewRegistersMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()

	// Replace global default registry to allow test inspection.
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry

	m := New()

	if m.Transitions == nil || m.HTTPRequests == nil || m.LedgerEntries == nil {
		t.Fatalf("expected key metrics to be initialized: %+v", m)
	}

	m.RecordTransition(domain.EntityPaymentOrder, "capture")
	m.RecordLedgerEntry(&domain.LedgerEntry{EntryType: domain.EntryTypePaymentReceived, AmountCents: 10050, Currency: "USD"})
	m.RecordDiscrepancy(string(domain.DiscrepancyPaymentStuckInProcessing), string(domain.ResolutionFlaggedForReview))
	m.RecordTask("webhook.process", "success", time.Now())

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Fatalf("expected registered metrics, got none")
	}

	counts := make(map[string]float64)
	for _, mf := range metricFamilies {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}
	if counts["payledger_state_transitions_total"] != 1 {
		t.Fatalf("expected 1 transition, got %v", counts["payledger_state_transitions_total"])
	}
	if counts["payledger_ledger_entries_total"] != 1 {
		t.Fatalf("expected 1 ledger entry, got %v", counts["payledger_ledger_entries_total"])
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.RecordTransition("payout", "complete")
	m.RecordTransitionError("payout", "stale")
	m.RecordLedgerEntry(&domain.LedgerEntry{})
	m.RecordWebhook("transfer.paid", "processed")
	m.ObserveWebhookDuration(time.Now())
	m.RecordReconciliationRun("completed", time.Now())
	m.RecordLock("acquired")
	m.RecordProcessorCall("create_transfer", "ok", time.Now())
	m.RecordDBRetry("commit")
	m.RecordHTTPRequest("GET", "/health", 200, time.Now())
	m.RecordOutboxPublish(nil)
}
