package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("outcome", "completed"),
		attribute.String("payment_id", "pi_123"),
		attribute.String("action", "cancel"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "payment_id" {
			t.Fatalf("expected payment_id to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordHandshakeOutcome(context.Background(), "task_payment", "completed")
	m.RecordReconcileAction(context.Background(), "complete")
	m.RecordEscrowTransition(context.Background(), "pending", "funded")
}

func TestNewBuildsInstrumentsOnNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "escrowd"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPayoutOutcome(context.Background(), "complete", "success")
}
