package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"gorm.io/gorm"
)

func TestClassifySweepReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SweepReasonDeadlineExceeded},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SweepReasonDBLockTimeout},
		{name: "serialization", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), want: SweepReasonSerializationFailure},
		{name: "unique", err: gorm.ErrDuplicatedKey, want: SweepReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SweepReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySweepReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSweepMetrics(registry, Config{ServiceName: "escrowd", Environment: "test"})

	m.AddProcessed("stale_flows", 3)
	m.AddProcessed("stale_flows", 0)

	got := testutil.ToFloat64(m.processed.WithLabelValues("stale_flows"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestHTTPMetricsStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("status %d: expected %q, got %q", status, want, got)
		}
	}
}

func TestSweepMetricsCarryServiceLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSweepMetrics(registry, Config{ServiceName: "escrowd", Environment: "test"})
	m.IncSkipped(SweepSkipReasonLockHeld)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var skipped *dto.MetricFamily
	for _, family := range families {
		if family.GetName() == "escrowd_sweep_skipped_total" {
			skipped = family
		}
	}
	if skipped == nil || len(skipped.GetMetric()) != 1 {
		t.Fatalf("expected one skipped series")
	}
	labels := map[string]string{}
	for _, pair := range skipped.GetMetric()[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["service"] != "escrowd" || labels["env"] != "test" || labels["reason"] != SweepSkipReasonLockHeld {
		t.Fatalf("unexpected labels: %v", labels)
	}
}
