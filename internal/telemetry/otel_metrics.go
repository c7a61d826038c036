// Package telemetry exports completion queue metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/hwcq/poller"

// Metrics contains all the metrics instruments for a CQ consumer
type Metrics struct {
	provider *sdkmetric.MeterProvider // nil for noop metrics
	meter    metric.Meter

	completionCounter metric.Int64Counter
	wcErrorCounter    metric.Int64Counter
	pollErrorCounter  metric.Int64Counter
	batchHistogram    metric.Int64Histogram
	cleanedCounter    metric.Int64Counter
	resizeCounter     metric.Int64Counter
}

// parseCollectorAddr splits a collector address into exporter scheme and
// host:port endpoint. A schemeless address defaults to grpc.
func parseCollectorAddr(collectorAddr string) (scheme, endpoint string, err error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	endpoint = parsedURL.Host
	if parsedURL.Host == "" {
		if parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/") {
			// "localhost:4317" parses as scheme "localhost", opaque "4317"
			endpoint = collectorAddr
			parsedURL.Scheme = ""
		} else if parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/") && strings.Contains(parsedURL.Path, ":") {
			endpoint = parsedURL.Path
		} else {
			return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	scheme = strings.ToLower(parsedURL.Scheme)
	if scheme == "" {
		scheme = "grpc"
	}
	switch scheme {
	case "grpc", "grpcs", "http", "https":
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	return scheme, endpoint, nil
}

// NewMetrics creates metrics exported periodically to an OTLP collector
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	m, err := NewMetricsWithReader(instanceID, sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(10*time.Second),
	))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewMetricsWithReader creates metrics collected by reader.
func NewMetricsWithReader(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("hwcq-cqsim"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	completionCounter, err := meter.Int64Counter(
		"hwcq.completions",
		metric.WithDescription("Number of work completions polled"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}

	wcErrorCounter, err := meter.Int64Counter(
		"hwcq.completion_errors",
		metric.WithDescription("Number of work completions with a non-success status"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}

	pollErrorCounter, err := meter.Int64Counter(
		"hwcq.poll_errors",
		metric.WithDescription("Number of polls stopped by an unresolvable queue"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	batchHistogram, err := meter.Int64Histogram(
		"hwcq.poll_batch",
		metric.WithDescription("Completions returned per non-empty poll"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}

	cleanedCounter, err := meter.Int64Counter(
		"hwcq.cleaned",
		metric.WithDescription("Number of entries removed by CQ clean"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	resizeCounter, err := meter.Int64Counter(
		"hwcq.resizes",
		metric.WithDescription("Number of completed CQ resizes"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:             meter,
		completionCounter: completionCounter,
		wcErrorCounter:    wcErrorCounter,
		pollErrorCounter:  pollErrorCounter,
		batchHistogram:    batchHistogram,
		cleanedCounter:    cleanedCounter,
		resizeCounter:     resizeCounter,
	}, nil
}

func cqAttr(cqn uint32) attribute.KeyValue {
	return attribute.String("cq", fmt.Sprintf("0x%x", cqn))
}

// RecordCompletion records one polled completion
func (m *Metrics) RecordCompletion(ctx context.Context, cqn uint32, opcode string) {
	m.completionCounter.Add(ctx, 1, metric.WithAttributes(cqAttr(cqn), attribute.String("opcode", opcode)))
}

// RecordCompletionError records a completion with an error status
func (m *Metrics) RecordCompletionError(ctx context.Context, cqn uint32, status string) {
	m.wcErrorCounter.Add(ctx, 1, metric.WithAttributes(cqAttr(cqn), attribute.String("status", status)))
}

// RecordPollError records a poll stopped by an unresolvable queue
func (m *Metrics) RecordPollError(ctx context.Context, cqn uint32) {
	m.pollErrorCounter.Add(ctx, 1, metric.WithAttributes(cqAttr(cqn)))
}

// RecordBatch records the size of a non-empty poll
func (m *Metrics) RecordBatch(ctx context.Context, cqn uint32, n int) {
	m.batchHistogram.Record(ctx, int64(n), metric.WithAttributes(cqAttr(cqn)))
}

// RecordCleaned records entries removed by a clean
func (m *Metrics) RecordCleaned(ctx context.Context, cqn uint32, n int) {
	if n == 0 {
		return
	}
	m.cleanedCounter.Add(ctx, int64(n), metric.WithAttributes(cqAttr(cqn)))
}

// RecordResize records a completed resize
func (m *Metrics) RecordResize(ctx context.Context, cqn uint32, entries int) {
	m.resizeCounter.Add(ctx, 1, metric.WithAttributes(cqAttr(cqn), attribute.Int("entries", entries)))
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
