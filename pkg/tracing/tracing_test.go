package tracing

import (
	"context"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/warptools/warpstore/wsapi"
)

func TestEndWithStatusRecordsCode(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx := SetTracer(context.Background(), tp.Tracer("test"))

	_, span := Start(ctx, "op")
	EndWithStatus(span, wsapi.ErrorGraphCycle("1"))

	spans := rec.Ended()
	qt.Assert(t, spans, qt.HasLen, 1)
	qt.Check(t, spans[0].Status().Code, qt.Equals, codes.Error)
	var found bool
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == AttrKeyWarpstoreErrorCode {
			found = true
			qt.Check(t, kv.Value.AsString(), qt.Equals, wsapi.ECodeGraphCycle)
		}
	}
	qt.Check(t, found, qt.IsTrue)
}

func TestNoTracer(t *testing.T) {
	ctx, span := StartFn(context.Background(), "x")
	qt.Check(t, ctx, qt.IsNotNil)
	EndWithStatus(span, errors.New("boom"))
}
