// Package trace implements the in-protocol distributed-tracing hook:
// injecting/extracting an OpenTracing span context into/out of a call's
// transport headers under the reserved $tracing$ prefix, and mapping
// to/from the wire's 64-bit spanId/parentId/traceId fields (the traceFlags
// byte is neither set nor read here).
package trace

import (
	"context"
	"strconv"

	opentracing "github.com/opentracing/opentracing-go"
	otlog "github.com/opentracing/opentracing-go/log"
)

// ReservedHeaderPrefix marks transport headers that are tracer-owned. These
// are never surfaced to user handlers and are rejected in caller-supplied
// header maps for outbound calls.
const ReservedHeaderPrefix = "$tracing$"

// Headers is the header carrier the bridge reads/writes; it stands in for
// whatever transport-header map type a caller's call object uses, so this
// package has no dependency on the wire protocol package.
type Headers map[string]string

// TraceIDs are the wire protocol's 64-bit tracing identifiers, as carried
// in the tracing field of call and error frames.
type TraceIDs struct {
	SpanID     uint64
	ParentID   uint64
	TraceID    uint64
	TraceFlags byte
}

// protocolTraceIDs is a capability probe: a SpanContext that exposes 64-bit
// IDs through it gets them copied into the wire-level tracing field. The
// dispatch is an explicit interface query rather than a check against any
// particular tracer implementation's concrete type.
type protocolTraceIDs interface {
	TraceID() uint64
	SpanID() uint64
	ParentID() uint64
}

// Interceptor is an optional capability: when present on the context, its
// methods run between span creation and return. Any failure finishes the
// span and propagates to the caller.
type Interceptor interface {
	InterceptOutbound(ctx context.Context, span opentracing.Span) error
	InterceptInbound(ctx context.Context, span opentracing.Span) error
}

type interceptorKey struct{}

// WithInterceptor attaches an Interceptor capability to ctx.
func WithInterceptor(ctx context.Context, i Interceptor) context.Context {
	return context.WithValue(ctx, interceptorKey{}, i)
}

func interceptorFromContext(ctx context.Context) (Interceptor, bool) {
	i, ok := ctx.Value(interceptorKey{}).(Interceptor)
	return i, ok
}

// textMapCarrier implements opentracing.TextMapReader/Writer over a Headers
// map, prepending ReservedHeaderPrefix on Set and restricting ForeachKey to
// prefixed keys, so the same Headers map can carry both tracer state and
// plain user headers without the tracer ever seeing the latter.
type textMapCarrier struct {
	headers Headers
}

func (c textMapCarrier) Set(key, val string) {
	c.headers[ReservedHeaderPrefix+key] = val
}

func (c textMapCarrier) ForeachKey(handler func(key, val string) error) error {
	prefixLen := len(ReservedHeaderPrefix)
	for k, v := range c.headers {
		if len(k) < prefixLen || k[:prefixLen] != ReservedHeaderPrefix {
			continue
		}
		if err := handler(k[prefixLen:], v); err != nil {
			return err
		}
	}
	return nil
}

// StripReservedHeaders removes every $tracing$-prefixed key from headers,
// returning the user-visible subset. Used by StartInbound so handlers never
// see tracer-owned headers.
func StripReservedHeaders(headers Headers) Headers {
	out := make(Headers, len(headers))
	prefixLen := len(ReservedHeaderPrefix)
	for k, v := range headers {
		if len(k) >= prefixLen && k[:prefixLen] == ReservedHeaderPrefix {
			continue
		}
		out[k] = v
	}
	return out
}

// HasReservedHeaders reports whether headers contains any tracer-owned key;
// outbound call construction rejects caller-supplied headers that do.
func HasReservedHeaders(headers Headers) bool {
	prefixLen := len(ReservedHeaderPrefix)
	for k := range headers {
		if len(k) >= prefixLen && k[:prefixLen] == ReservedHeaderPrefix {
			return true
		}
	}
	return false
}

// StartOutbound begins a client-kind span for an outgoing call and injects
// its context into a copy of the call's transport headers under the
// reserved prefix. If tracer is nil, it's a no-op returning the unchanged
// ctx, a nil span, and a zero TraceIDs. The input headers map is never
// mutated; the caller uses the returned copy as the call's headers.
func StartOutbound(ctx context.Context, tracer opentracing.Tracer, service, operation, argScheme string, headers Headers) (context.Context, opentracing.Span, Headers, TraceIDs, error) {
	if tracer == nil {
		return ctx, nil, headers, TraceIDs{}, nil
	}

	opts := []opentracing.StartSpanOption{
		opentracing.Tag{Key: "span.kind", Value: "client"},
		opentracing.Tag{Key: "peer.service", Value: service},
		opentracing.Tag{Key: "as", Value: argScheme},
	}

	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}

	span := tracer.StartSpan(operation, opts...)
	ctx = opentracing.ContextWithSpan(ctx, span)

	ids := TraceIDs{}
	if probe, ok := span.Context().(protocolTraceIDs); ok {
		ids.TraceID = probe.TraceID()
		ids.SpanID = probe.SpanID()
		ids.ParentID = probe.ParentID()
	}

	outHeaders := make(Headers, len(headers))
	for k, v := range headers {
		outHeaders[k] = v
	}

	carrier := textMapCarrier{headers: outHeaders}
	if err := tracer.Inject(span.Context(), opentracing.TextMap, carrier); err != nil {
		// An inject failure is recoverable: the call proceeds without
		// header-based propagation.
		span.LogFields(otlog.Error(err), otlog.String("event", "tracing-inject-failed"))
	}

	if interceptor, ok := interceptorFromContext(ctx); ok {
		if err := interceptor.InterceptOutbound(ctx, span); err != nil {
			span.LogFields(otlog.Error(err))
			span.Finish()
			return ctx, nil, outHeaders, ids, err
		}
	}

	return ctx, span, outHeaders, ids, nil
}

// FinishSpan completes a span started by StartOutbound or StartInbound,
// tagging it with the call's outcome.
func FinishSpan(span opentracing.Span, callErr error) {
	if span == nil {
		return
	}

	if callErr != nil {
		span.SetTag("error", true)
		span.LogFields(otlog.Error(callErr))
	}

	span.Finish()
}

// StartInbound starts a server-kind span for an incoming call: it clears
// any ambient span from ctx, attempts to extract a parent from
// $tracing$-prefixed headers, falls back to the protocol-level TraceIDs
// when no header-based parent was found, and pushes the new span onto the
// returned context. The returned Headers are the user-visible subset with
// every tracer-owned key stripped.
func StartInbound(ctx context.Context, tracer opentracing.Tracer, headers Headers, endpoint string, protocolIDs TraceIDs) (context.Context, opentracing.Span, Headers, error) {
	visibleHeaders := StripReservedHeaders(headers)

	if tracer == nil {
		return ctx, nil, visibleHeaders, nil
	}

	ctx = opentracing.ContextWithSpan(ctx, nil) // clear any ambient span

	opts := []opentracing.StartSpanOption{
		opentracing.Tag{Key: "span.kind", Value: "server"},
	}

	if cn, ok := headers["cn"]; ok {
		opts = append(opts, opentracing.Tag{Key: "peer.service", Value: cn})
	}

	carrier := textMapCarrier{headers: headers}
	if parent, err := tracer.Extract(opentracing.TextMap, carrier); err == nil {
		opts = append(opts, opentracing.ChildOf(parent))
	} else if protocolIDs != (TraceIDs{}) {
		// No header-based parent: record the protocol-level IDs as tags so
		// the trace isn't silently disconnected. A generic
		// opentracing.Tracer has no portable way to synthesize a
		// SpanContext from raw numeric IDs.
		opts = append(opts,
			opentracing.Tag{Key: "tchannel.trace_id", Value: strconv.FormatUint(protocolIDs.TraceID, 16)},
			opentracing.Tag{Key: "tchannel.span_id", Value: strconv.FormatUint(protocolIDs.SpanID, 16)},
			opentracing.Tag{Key: "tchannel.parent_id", Value: strconv.FormatUint(protocolIDs.ParentID, 16)},
		)
	}

	span := tracer.StartSpan(endpoint, opts...)
	ctx = opentracing.ContextWithSpan(ctx, span)

	if interceptor, ok := interceptorFromContext(ctx); ok {
		if err := interceptor.InterceptInbound(ctx, span); err != nil {
			span.LogFields(otlog.Error(err))
			span.Finish()
			return ctx, nil, visibleHeaders, err
		}
	}

	return ctx, span, visibleHeaders, nil
}
