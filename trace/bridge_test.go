package trace

import (
	"context"
	"errors"
	"testing"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestHasReservedHeadersDetectsTracingPrefix(t *testing.T) {
	require.True(t, HasReservedHeaders(Headers{ReservedHeaderPrefix + "x": "1"}))
	require.False(t, HasReservedHeaders(Headers{"cn": "caller"}))
	require.False(t, HasReservedHeaders(nil))
}

func TestStripReservedHeadersRemovesOnlyTracingKeys(t *testing.T) {
	in := Headers{"cn": "caller", ReservedHeaderPrefix + "traceid": "abc"}
	out := StripReservedHeaders(in)

	require.Equal(t, Headers{"cn": "caller"}, out)
}

func TestStartOutboundNilTracerIsNoop(t *testing.T) {
	ctx := context.Background()
	gotCtx, span, headers, ids, err := StartOutbound(ctx, nil, "svc", "op", "raw", Headers{"cn": "caller"})

	require.NoError(t, err)
	require.Nil(t, span)
	require.Equal(t, ctx, gotCtx)
	require.Equal(t, Headers{"cn": "caller"}, headers)
	require.Equal(t, TraceIDs{}, ids)
}

func TestStartInboundNilTracerIsNoopAndStripsHeaders(t *testing.T) {
	headers := Headers{"cn": "caller", ReservedHeaderPrefix + "traceid": "abc"}
	ctx, span, visible, err := StartInbound(context.Background(), nil, headers, "echo", TraceIDs{})

	require.NoError(t, err)
	require.Nil(t, span)
	require.Equal(t, Headers{"cn": "caller"}, visible)
	require.NotNil(t, ctx)
}

func TestStartOutboundInjectsTracingHeadersAndStripsFromVisibleSet(t *testing.T) {
	tracer := mocktracer.New()

	ctx, span, outHeaders, ids, err := StartOutbound(context.Background(), tracer, "svc", "echo", "raw", Headers{"cn": "caller"})
	require.NoError(t, err)
	require.NotNil(t, span)
	require.Equal(t, "caller", outHeaders["cn"])

	foundTracingHeader := false
	for k := range outHeaders {
		if len(k) >= len(ReservedHeaderPrefix) && k[:len(ReservedHeaderPrefix)] == ReservedHeaderPrefix {
			foundTracingHeader = true
		}
	}
	require.True(t, foundTracingHeader, "StartOutbound should inject a $tracing$-prefixed header")
	require.NotNil(t, ctx)

	// mocktracer's SpanContext does not implement protocolTraceIDs, so the
	// wire-level 64-bit IDs stay zero; the header-based carrier is still the
	// primary propagation path end to end (verified below).
	require.Equal(t, TraceIDs{}, ids)

	mSpan, ok := span.(*mocktracer.MockSpan)
	require.True(t, ok)
	mSpan.Finish()

	ctx2, inSpan, visible, err := StartInbound(context.Background(), tracer, Headers(outHeaders), "echo", TraceIDs{})
	require.NoError(t, err)
	require.NotNil(t, inSpan)
	require.Equal(t, Headers{"cn": "caller"}, visible)
	require.NotNil(t, ctx2)

	childSpan, ok := inSpan.(*mocktracer.MockSpan)
	require.True(t, ok)
	require.Equal(t, mSpan.SpanContext.SpanID, childSpan.ParentID)
}

func TestStartInboundFallsBackToProtocolIDsWhenNoHeaderParent(t *testing.T) {
	tracer := mocktracer.New()

	ids := TraceIDs{TraceID: 0xabc, SpanID: 0xdef, ParentID: 0x123, TraceFlags: 1}
	_, span, _, err := StartInbound(context.Background(), tracer, Headers{}, "echo", ids)
	require.NoError(t, err)
	require.NotNil(t, span)

	mSpan, ok := span.(*mocktracer.MockSpan)
	require.True(t, ok)
	require.Equal(t, "abc", mSpan.Tag("tchannel.trace_id"))
	require.Equal(t, "def", mSpan.Tag("tchannel.span_id"))
	require.Equal(t, "123", mSpan.Tag("tchannel.parent_id"))
}

func TestFinishSpanTagsErrorAndIsNilSafe(t *testing.T) {
	FinishSpan(nil, nil) // must not panic

	tracer := mocktracer.New()
	span := tracer.StartSpan("op")
	FinishSpan(span, errBoom)

	mSpan := span.(*mocktracer.MockSpan)
	require.Equal(t, true, mSpan.Tag("error"))
}

// fakeInterceptor records whether it ran and can force a failure.
type fakeInterceptor struct {
	outboundCalled, inboundCalled bool
	failOutbound, failInbound     bool
}

func (f *fakeInterceptor) InterceptOutbound(ctx context.Context, span opentracing.Span) error {
	f.outboundCalled = true
	if f.failOutbound {
		return errBoom
	}
	return nil
}

func (f *fakeInterceptor) InterceptInbound(ctx context.Context, span opentracing.Span) error {
	f.inboundCalled = true
	if f.failInbound {
		return errBoom
	}
	return nil
}

func TestInterceptorRunsOnOutboundAndInbound(t *testing.T) {
	tracer := mocktracer.New()
	interceptor := &fakeInterceptor{}
	ctx := WithInterceptor(context.Background(), interceptor)

	_, span, _, _, err := StartOutbound(ctx, tracer, "svc", "op", "raw", nil)
	require.NoError(t, err)
	require.NotNil(t, span)
	require.True(t, interceptor.outboundCalled)

	_, span2, _, err := StartInbound(ctx, tracer, Headers{}, "op", TraceIDs{})
	require.NoError(t, err)
	require.NotNil(t, span2)
	require.True(t, interceptor.inboundCalled)
}

func TestInterceptorFailureFinishesSpanAndPropagatesError(t *testing.T) {
	tracer := mocktracer.New()
	interceptor := &fakeInterceptor{failOutbound: true, failInbound: true}
	ctx := WithInterceptor(context.Background(), interceptor)

	_, span, _, _, err := StartOutbound(ctx, tracer, "svc", "op", "raw", nil)
	require.Error(t, err)
	require.Nil(t, span)

	_, span2, _, err := StartInbound(ctx, tracer, Headers{}, "op", TraceIDs{})
	require.Error(t, err)
	require.Nil(t, span2)

	finished := tracer.FinishedSpans()
	require.Len(t, finished, 2)
}
