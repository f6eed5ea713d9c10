// Package telemetry exports queue operation metrics over OTLP. A nil
// *Metrics is a valid no-op receiver, so callers instrument unconditionally
// and the collector wiring stays a deployment decision.
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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics contains the metric instruments for one libOS instance.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	submissions    metric.Int64Counter
	completions    metric.Int64Counter
	protocolErrors metric.Int64Counter
	messageBytes   metric.Int64Histogram
}

// New creates a metrics instance exporting to collectorAddr. The address
// scheme selects the exporter transport: grpc, grpcs, http, or https;
// schemeless host:port defaults to grpc.
func New(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	rawAddr := collectorAddr
	if !strings.Contains(rawAddr, "://") {
		// url.Parse would read "host:port" as scheme "host", and reject an
		// "ip:port" outright.
		rawAddr = "grpc://" + rawAddr
	}
	parsedURL, err := url.Parse(rawAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" {
		switch {
		case parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/"):
			exporterEndpoint = parsedURL.Path
		case parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/"):
			exporterEndpoint = parsedURL.Opaque
		case collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":"):
			exporterEndpoint = collectorAddr
		default:
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("demikernel-rdma-queue"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(exporterEndpoint),
		}
		if parsedURL.Scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", parsedURL.Scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", parsedURL.Scheme, exporterEndpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/geraldo-netto/demikernel/libos")

	submissions, err := meter.Int64Counter(
		"demikernel.queue.submissions",
		metric.WithDescription("Number of push/pop/accept operations submitted"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	completions, err := meter.Int64Counter(
		"demikernel.queue.completions",
		metric.WithDescription("Number of tasks observed complete"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	protocolErrors, err := meter.Int64Counter(
		"demikernel.queue.protocol_errors",
		metric.WithDescription("Number of inbound frames rejected as malformed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	messageBytes, err := meter.Int64Histogram(
		"demikernel.queue.message_bytes",
		metric.WithDescription("Wire size of completed messages, header included"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:       provider,
		meter:          meter,
		submissions:    submissions,
		completions:    completions,
		protocolErrors: protocolErrors,
		messageBytes:   messageBytes,
	}, nil
}

// RecordSubmission counts one submitted operation of the given kind.
func (m *Metrics) RecordSubmission(ctx context.Context, opcode string) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("opcode", opcode)))
}

// RecordCompletion counts one completed task and its wire size.
func (m *Metrics) RecordCompletion(ctx context.Context, opcode string, numBytes int64) {
	if m == nil {
		return
	}
	m.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("opcode", opcode)))
	if numBytes > 0 {
		m.messageBytes.Record(ctx, numBytes)
	}
}

// RecordProtocolError counts one malformed inbound frame.
func (m *Metrics) RecordProtocolError(ctx context.Context) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1)
}

// Shutdown stops the metrics provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
