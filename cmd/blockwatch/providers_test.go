// Tests for exporter selection.
package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fakeExporters = exporterSet[string]{
	signal: "fakes",
	stdout: func(io.Writer) (string, error) { return "stdout", nil },
	grpc: func(_ context.Context, endpoint string) (string, error) {
		return "grpc " + endpoint, nil
	},
	http: func(_ context.Context, endpoint string) (string, error) {
		return "http " + endpoint, nil
	},
}

func TestNewExporterSelectsDestination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts exportOptions
		want string
	}{
		{"stdout wins over protocol", exportOptions{stdout: true, protocol: "grpc", endpoint: "x:1"}, "stdout"},
		{"grpc", exportOptions{protocol: "grpc", endpoint: "collector:4317"}, "grpc collector:4317"},
		{"http", exportOptions{protocol: "http/protobuf", endpoint: "collector:4318"}, "http collector:4318"},
		{"empty protocol is http", exportOptions{}, "http "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := newExporter(context.Background(), tt.opts, fakeExporters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewExporterUnsupportedProtocol(t *testing.T) {
	t.Parallel()

	_, err := newExporter(context.Background(), exportOptions{protocol: "thrift"}, fakeExporters)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported protocol "thrift" for fakes`)
}

func TestEndpointOptions(t *testing.T) {
	t.Parallel()

	withEndpoint := func(e string) string { return "endpoint=" + e }
	withInsecure := func() string { return "insecure" }

	assert.Nil(t, endpointOptions("", withEndpoint, withInsecure))
	assert.Equal(t, []string{"endpoint=localhost:4318", "insecure"},
		endpointOptions("localhost:4318", withEndpoint, withInsecure))
}

func TestStdoutExportersForEverySignal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	opts := exportOptions{stdout: true, out: &buf}
	ctx := context.Background()

	le, err := newExporter(ctx, opts, logExporters)
	require.NoError(t, err)
	require.NoError(t, le.Shutdown(ctx))

	me, err := newExporter(ctx, opts, metricExporters)
	require.NoError(t, err)
	require.NoError(t, me.Shutdown(ctx))

	te, err := newExporter(ctx, opts, traceExporters)
	require.NoError(t, err)
	require.NoError(t, te.Shutdown(ctx))
}
