// OpenTelemetry provider and exporter construction for diagnostics output.
// Stdout exporters use simple processors; OTLP exporters batch.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

type exportOptions struct {
	endpoint string
	stdout   bool
	protocol string
	signals  string
	out      io.Writer
}

func addExportFlags(cmd *cobra.Command, opts *exportOptions, signals string) {
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "emit signals to stdout as JSON")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	cmd.Flags().StringVar(&opts.signals, "signals", signals, "comma-separated signals to emit: logs,metrics,traces")
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

func validateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", p)
	}
	return nil
}

func parseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: logs, metrics, traces", sig)
		}
		set[sig] = true
	}
	return set, nil
}

func checkEndpoint(endpoint, protocol string) error {
	port := defaultHTTPPort
	if protocol == "grpc" {
		port = defaultGRPCPort
	}
	host := endpoint
	if host == "" {
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To print diagnostics as JSON to the terminal, use --stdout:\n"+
			"  blockwatch demo --stdout\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  blockwatch demo --endpoint collector.example.com:4318", host)
	}
	_ = conn.Close()
	return nil
}

// newResource describes this process. Each run gets its own instance id.
func newResource() (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "blockwatch"),
		attribute.String("service.instance.id", uuid.NewString()),
		attribute.String("blockwatch.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	return res, nil
}

// telemetry holds the providers for one run. Disabled signals get noop
// providers so callers never check.
type telemetry struct {
	Logs    log.LoggerProvider
	Metrics metric.MeterProvider
	Traces  *sdktrace.TracerProvider

	shutdowns []func(context.Context) error
}

// setupTelemetry validates the export options and builds providers for the
// enabled signals. The tracer provider always exists so that span
// processors can be registered on it; it exports only when traces are
// enabled.
func setupTelemetry(ctx context.Context, opts exportOptions) (*telemetry, error) {
	enabled, err := parseSignals(opts.signals)
	if err != nil {
		return nil, err
	}
	if err := validateProtocol(opts.protocol); err != nil {
		return nil, err
	}
	if opts.out == nil {
		opts.out = os.Stdout
	}
	if !opts.stdout && len(enabled) > 0 {
		if err := checkEndpoint(opts.endpoint, opts.protocol); err != nil {
			return nil, err
		}
	}

	res, err := newResource()
	if err != nil {
		return nil, err
	}

	tel := &telemetry{
		Logs:    lognoop.NewLoggerProvider(),
		Metrics: metricnoop.NewMeterProvider(),
	}

	if enabled["logs"] {
		lp, err := createLoggerProvider(ctx, opts, res)
		if err != nil {
			return nil, fmt.Errorf("creating logger provider: %w", err)
		}
		tel.Logs = lp
		tel.shutdowns = append(tel.shutdowns, lp.Shutdown)
	}

	if enabled["metrics"] {
		mp, err := createMeterProvider(ctx, opts, res)
		if err != nil {
			tel.Shutdown()
			return nil, fmt.Errorf("creating meter provider: %w", err)
		}
		tel.Metrics = mp
		tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if enabled["traces"] {
		exporter, err := newExporter(ctx, opts, traceExporters)
		if err != nil {
			tel.Shutdown()
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		if opts.stdout {
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}
	tel.Traces = sdktrace.NewTracerProvider(tpOpts...)
	return tel, nil
}

// Shutdown flushes the tracer provider, then the log and metric providers.
// Span ends during the trace flush can still produce diagnostics, so the
// order matters.
func (t *telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if t.Traces != nil {
		if err := t.Traces.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "error shutting down tracer provider: %v\n", err)
		}
	}
	shutdownAll(ctx, t.shutdowns, "provider")
	t.shutdowns = nil
}

func createLoggerProvider(ctx context.Context, opts exportOptions, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exporter, err := newExporter(ctx, opts, logExporters)
	if err != nil {
		return nil, err
	}
	var processor sdklog.Processor
	if opts.stdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	), nil
}

func createMeterProvider(ctx context.Context, opts exportOptions, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := newExporter(ctx, opts, metricExporters)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// exporterSet constructs one signal's exporter for each supported
// destination.
type exporterSet[E any] struct {
	signal string
	stdout func(w io.Writer) (E, error)
	grpc   func(ctx context.Context, endpoint string) (E, error)
	http   func(ctx context.Context, endpoint string) (E, error)
}

// newExporter picks the stdout, gRPC or HTTP exporter of set for opts.
func newExporter[E any](ctx context.Context, opts exportOptions, set exporterSet[E]) (E, error) {
	switch {
	case opts.stdout:
		return set.stdout(opts.out)
	case opts.protocol == "grpc":
		return set.grpc(ctx, opts.endpoint)
	case opts.protocol == "http/protobuf" || opts.protocol == "":
		return set.http(ctx, opts.endpoint)
	}
	var zero E
	return zero, fmt.Errorf("unsupported protocol %q for %s", opts.protocol, set.signal)
}

// endpointOptions points an OTLP exporter at a plaintext endpoint. With no
// endpoint the exporter keeps its OTEL_EXPORTER_OTLP_* defaults.
func endpointOptions[O any](endpoint string, withEndpoint func(string) O, withInsecure func() O) []O {
	if endpoint == "" {
		return nil
	}
	return []O{withEndpoint(endpoint), withInsecure()}
}

var logExporters = exporterSet[sdklog.Exporter]{
	signal: "logs",
	stdout: func(w io.Writer) (sdklog.Exporter, error) {
		return stdoutlog.New(stdoutlog.WithWriter(w))
	},
	grpc: func(ctx context.Context, endpoint string) (sdklog.Exporter, error) {
		return otlploggrpc.New(ctx, endpointOptions(endpoint, otlploggrpc.WithEndpoint, otlploggrpc.WithInsecure)...)
	},
	http: func(ctx context.Context, endpoint string) (sdklog.Exporter, error) {
		return otlploghttp.New(ctx, endpointOptions(endpoint, otlploghttp.WithEndpoint, otlploghttp.WithInsecure)...)
	},
}

var metricExporters = exporterSet[sdkmetric.Exporter]{
	signal: "metrics",
	stdout: func(w io.Writer) (sdkmetric.Exporter, error) {
		return stdoutmetric.New(stdoutmetric.WithWriter(w))
	},
	grpc: func(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
		return otlpmetricgrpc.New(ctx, endpointOptions(endpoint, otlpmetricgrpc.WithEndpoint, otlpmetricgrpc.WithInsecure)...)
	},
	http: func(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
		return otlpmetrichttp.New(ctx, endpointOptions(endpoint, otlpmetrichttp.WithEndpoint, otlpmetrichttp.WithInsecure)...)
	},
}

var traceExporters = exporterSet[sdktrace.SpanExporter]{
	signal: "traces",
	stdout: func(w io.Writer) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(w))
	},
	grpc: func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		return otlptracegrpc.New(ctx, endpointOptions(endpoint, otlptracegrpc.WithEndpoint, otlptracegrpc.WithInsecure)...)
	},
	http: func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		return otlptracehttp.New(ctx, endpointOptions(endpoint, otlptracehttp.WithEndpoint, otlptracehttp.WithInsecure)...)
	},
}

// shutdownAll runs every shutdown concurrently within ctx. Errors are
// reported to stderr individually; a slow one does not block the others.
func shutdownAll(ctx context.Context, fns []func(context.Context) error, label string) {
	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Go(func() {
			if err := fn(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error shutting down %s: %v\n", label, err)
			}
		})
	}
	wg.Wait()
}
