package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/payments/:id"),
		attribute.String("pi.api_key", "k"),
		attribute.String("wallet_seed", "s"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorKeepsOutermostMessage(t *testing.T) {
	err := SafeError(fmt.Errorf("network_error: %w", errors.New(`{"error":"raw upstream body"}`)))
	if err.Error() != "network_error" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
