package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes payment domain instruments.
type Metrics struct {
	handshakeOutcomes  metric.Int64Counter
	reconcileActions   metric.Int64Counter
	payoutOutcomes     metric.Int64Counter
	escrowTransitions  metric.Int64Counter
	networkCallLatency metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "escrowd"
	}
	meter := provider.Meter(name)

	handshakeOutcomes, err := meter.Int64Counter("escrowd_handshake_outcomes_total")
	if err != nil {
		return nil, err
	}
	reconcileActions, err := meter.Int64Counter("escrowd_reconcile_actions_total")
	if err != nil {
		return nil, err
	}
	payoutOutcomes, err := meter.Int64Counter("escrowd_payout_outcomes_total")
	if err != nil {
		return nil, err
	}
	escrowTransitions, err := meter.Int64Counter("escrowd_escrow_transitions_total")
	if err != nil {
		return nil, err
	}
	networkCallLatency, err := meter.Float64Histogram("escrowd_payment_network_call_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		handshakeOutcomes:  handshakeOutcomes,
		reconcileActions:   reconcileActions,
		payoutOutcomes:     payoutOutcomes,
		escrowTransitions:  escrowTransitions,
		networkCallLatency: networkCallLatency,
	}, nil
}

// RecordHandshakeOutcome counts resolved handshake flows by outcome code.
func (m *Metrics) RecordHandshakeOutcome(ctx context.Context, paymentType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("payment_type", strings.TrimSpace(paymentType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.handshakeOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileAction counts reconciler decisions.
func (m *Metrics) RecordReconcileAction(ctx context.Context, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.reconcileActions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPayoutOutcome counts payout dispatches by the step they finished at.
func (m *Metrics) RecordPayoutOutcome(ctx context.Context, step, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("step", strings.TrimSpace(step)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.payoutOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEscrowTransition counts escrow state changes.
func (m *Metrics) RecordEscrowTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.escrowTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ObserveNetworkCall records payment network round-trip latency.
func (m *Metrics) ObserveNetworkCall(ctx context.Context, endpoint string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.Int("status_code", statusCode),
	)
	m.networkCallLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Payment and flow identifiers are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":     {},
	"status_code":  {},
	"payment_type": {},
	"outcome":      {},
	"action":       {},
	"step":         {},
	"from_status":  {},
	"to_status":    {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
