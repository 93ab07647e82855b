package tracing

import (
	"context"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/warpstore/wsapi"
)

type ctxKey struct{}

// TracerFromCtx returns the tracer set for the current context.
// If no tracer is currently set in ctx, a new no-op tracer will be returned.
func TracerFromCtx(ctx context.Context) trace.Tracer {
	tracer, ok := ctx.Value(ctxKey{}).(trace.Tracer)
	// SetTracer never stores nil.
	if !ok {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return tracer
}

// SetTracer returns a new context with the given tracer associated with it.
// Setting the tracer to nil will create a noop tracer and insert it into the context.
func SetTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	if existing, ok := ctx.Value(ctxKey{}).(trace.Tracer); ok {
		if existing == tracer {
			return ctx
		}
	}
	return context.WithValue(ctx, ctxKey{}, tracer)
}

// Start is a shortcut for retrieving the context tracer and calling Start.
// Start creates a span and a context.Context containing the newly-created span.
//
// If the current context does not contain a tracer then a new no-op tracer will be created for the new context.
// See go.opentelemetry.io/otel/trace.Tracer.Start for more information on the Start function.
func Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return TracerFromCtx(ctx).Start(ctx, spanName, opts...)
}

// StartFn is Start with the span named after the calling function's package and name.
func StartFn(ctx context.Context, fn string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name := fn
	if pc, _, _, ok := runtime.Caller(1); ok {
		if f := runtime.FuncForPC(pc); f != nil {
			full := f.Name()
			if i := strings.LastIndex(full, "/"); i >= 0 {
				full = full[i+1:]
			}
			if pkg, _, ok := strings.Cut(full, "."); ok {
				name = pkg + "." + fn
			}
		}
	}
	return Start(ctx, name, opts...)
}

// EndWithStatus records err on the span, if any, then ends it.
func EndWithStatus(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String(AttrKeyWarpstoreErrorCode, wsapi.Code(err)))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetSpanError sets the span error from a coded error.
// Errors without a code are recorded as warpstore-error-unknown.
func SetSpanError(ctx context.Context, err error) {
	code := wsapi.Code(err)
	if code == "" {
		code = wsapi.ECodeUnknown
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(AttrKeyWarpstoreErrorCode, code),
	)
	span.SetStatus(codes.Error, err.Error())
}
