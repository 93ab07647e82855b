package util

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"

	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

// Module names the tracer and the traced service.
const Module = "github.com/warptools/warpstore"

// setSpanError records err on the span in ctx, giving uncoded errors a code first.
func setSpanError(ctx context.Context, err error) {
	if wsapi.Code(err) == "" {
		err = wsapi.ErrorUnknown("command failed", err)
	}
	tracing.SetSpanError(ctx, err)
}

// serviceResource describes this binary, with OTEL_RESOURCE_ATTRIBUTES layered on top.
func serviceResource(version string) (*resource.Resource, error) {
	svc := resource.NewSchemaless(
		semconv.ServiceNameKey.String(Module),
		semconv.ServiceVersionKey.String(version),
	)
	res, err := resource.Merge(resource.Default(), svc)
	if err != nil {
		return nil, err
	}
	return resource.Merge(res, resource.Environment())
}

// spanExporters builds one exporter per enabled --trace.* destination.
//
// Errors:
//
//   - warpstore-error-io -- when the trace file can't be created
//   - warpstore-error-config -- when the otlp exporter can't be built
func spanExporters(c *cli.Context) ([]sdktrace.SpanExporter, error) {
	log := logging.Ctx(c.Context)
	var exps []sdktrace.SpanExporter

	if name := c.String("trace.file"); name != "" {
		log.Debug("", "trace file path: %s", name)
		f, err := os.Create(name)
		if err != nil {
			return nil, wsapi.ErrorIo("create trace file", name, err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f), stdouttrace.WithPrettyPrint())
		if err != nil {
			f.Close()
			return nil, wsapi.ErrorConfig("trace.file", err.Error())
		}
		exps = append(exps, closingExporter{exp, f})
	}

	if c.Bool("trace.http.enable") {
		var opts []otlptracehttp.Option
		if endpoint := c.String("trace.http.endpoint"); endpoint != "" {
			log.Debug("", "trace.http.endpoint: %s", endpoint)
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if c.Bool("trace.http.insecure") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(c.Context, otlptracehttp.NewClient(opts...))
		if err != nil {
			shutdownAll(c.Context, exps)
			return nil, wsapi.ErrorConfig("trace.http", err.Error())
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

// newTracingProvider returns nil when no --trace.* destination is enabled.
func newTracingProvider(c *cli.Context) (*sdktrace.TracerProvider, error) {
	exps, err := spanExporters(c)
	if err != nil || len(exps) == 0 {
		return nil, err
	}
	res, err := serviceResource(c.App.Version)
	if err != nil {
		shutdownAll(c.Context, exps)
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	for _, exp := range exps {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func shutdownAll(ctx context.Context, exps []sdktrace.SpanExporter) {
	for _, exp := range exps {
		exp.Shutdown(ctx)
	}
}

// closingExporter closes the trace file once its spans are flushed.
type closingExporter struct {
	sdktrace.SpanExporter
	f *os.File
}

func (e closingExporter) Shutdown(ctx context.Context) error {
	return errors.Join(e.SpanExporter.Shutdown(ctx), e.f.Close())
}
