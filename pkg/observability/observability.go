// Package observability exports governance metrics over OpenTelemetry:
// debt level, decision counts by outcome, and the cost-multiplier
// distribution. Disabled by default; the audit stream, not telemetry, is the
// authoritative record.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keel-labs/keel/pkg/policy"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns conservative defaults with telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider owns the meter provider and governance instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	decisions  metric.Int64Counter
	claims     metric.Int64Counter
	debt       metric.Float64Gauge
	multiplier metric.Float64Histogram
}

// New creates a provider. With Enabled false, instruments are created against
// a no-op meter and every Record call is free.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config}

	if config.Enabled {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create metric exporter: %w", err)
		}

		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("observability: build resource: %w", err)
		}

		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(config.ExportInterval))),
		)
		otel.SetMeterProvider(p.meterProvider)
		p.meter = p.meterProvider.Meter("keel/governance")
	} else {
		p.meter = otel.Meter("keel/governance")
	}

	var err error
	if p.decisions, err = p.meter.Int64Counter("keel.decisions",
		metric.WithDescription("Governance decisions by outcome and reason")); err != nil {
		return nil, err
	}
	if p.claims, err = p.meter.Int64Counter("keel.claims",
		metric.WithDescription("Claims recorded, by action type")); err != nil {
		return nil, err
	}
	if p.debt, err = p.meter.Float64Gauge("keel.debt_bits",
		metric.WithDescription("Current epistemic debt in bits")); err != nil {
		return nil, err
	}
	if p.multiplier, err = p.meter.Float64Histogram("keel.cost_multiplier",
		metric.WithDescription("Inflation multipliers at decision time")); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordDecision counts one verdict and samples its multiplier and debt.
func (p *Provider) RecordDecision(ctx context.Context, v policy.Verdict) {
	attrs := metric.WithAttributes(
		attribute.String("decision", string(v.Decision)),
		attribute.String("reason", string(v.Reason)),
		attribute.Bool("calibration", v.IsCalibration),
	)
	p.decisions.Add(ctx, 1, attrs)
	p.multiplier.Record(ctx, v.Multiplier, attrs)
	p.debt.Record(ctx, v.Debt)
}

// RecordClaim counts one claim.
func (p *Provider) RecordClaim(ctx context.Context, actionType string) {
	p.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", actionType)))
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
