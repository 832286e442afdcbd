package tchannel

import (
	"context"
	"io"
	"time"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/kschoon/tchannel/checksum"
	"github.com/kschoon/tchannel/trace"
)

// defaultCallTTLMs is used when the caller's context carries no deadline.
const defaultCallTTLMs = 30000

// beginCall starts a new outgoing call on the connection: runs the outbound
// tracing hook, allocates an id, registers the response channel, and writes
// operationName as arg1 of the first fragment. The caller writes arg2/arg3
// and then reads the response. The tracing hook runs before any id is
// allocated, so a call rejected by an interceptor leaves no per-call state
// behind.
func (c *Connection) beginCall(ctx context.Context, serviceName, operationName string, headers CallHeaders) (*OutboundCall, error) {
	if trace.HasReservedHeaders(trace.Headers(headers)) {
		return nil, NewSystemError(ErrorCodeBadRequest, "caller-supplied headers must not use the %s prefix", trace.ReservedHeaderPrefix)
	}

	if !c.IsActive() {
		return nil, ErrConnectionNotReady
	}

	var ttlMs uint32
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			ttlMs = uint32(remaining / time.Millisecond)
		}
	}
	if ttlMs == 0 {
		ttlMs = defaultCallTTLMs
	}

	ctx, span, outHeaders, traceIDs, err := trace.StartOutbound(ctx, c.tracer, serviceName, operationName, "raw", trace.Headers(headers))
	if err != nil {
		return nil, err
	}

	id := c.NextMessageId()
	resCh := make(chan *Frame, 16)
	c.withReqLock(func() error {
		c.activeResChs[id] = resCh
		return nil
	})
	c.scheduleDeadline(id, time.Duration(ttlMs)*time.Millisecond)

	call := &OutboundCall{
		id:          id,
		conn:        c,
		ctx:         ctx,
		serviceName: serviceName,
		checksum:    checksum.New(c.checksumType),
		state:       outboundCallReadyToWriteArg2,
		span:        span,
		res: &OutboundCallResponse{
			id:    id,
			ctx:   ctx,
			conn:  c,
			resCh: resCh,
			state: outboundCallResponsePreHeader,
		},
	}
	call.res.call = call
	call.partWriter = newMultiPartWriter(call)

	call.callReq = &CallReq{
		id:      id,
		TTL:     ttlMs,
		Service: serviceName,
		Headers: CallHeaders(outHeaders),
	}
	call.callReq.Tracing = Tracing{
		SpanId: traceIDs.SpanID, ParentId: traceIDs.ParentID,
		TraceId: traceIDs.TraceID, TraceFlags: traceIDs.TraceFlags,
	}

	if err := call.partWriter.WritePart(BytesOutput(operationName), false); err != nil {
		c.outboundCallComplete(id)
		return nil, err
	}

	return call, nil
}

type outboundCallState int

const (
	outboundCallReadyToWriteArg2 outboundCallState = iota
	outboundCallReadyToWriteArg3
	outboundCallDone
	outboundCallError
)

// OutboundCall is a call this connection initiated against a peer.
type OutboundCall struct {
	id          uint32
	conn        *Connection
	ctx         context.Context
	serviceName string
	checksum    checksum.Checksum
	state       outboundCallState
	span        opentracing.Span

	partWriter           *multiPartWriter
	startedFirstFragment bool
	callReq              *CallReq

	res *OutboundCallResponse
}

// Context returns the call's deadline-bound, tracing-bound context.
func (call *OutboundCall) Context() context.Context { return call.ctx }

// WriteArg2 writes the second argument of the call.
func (call *OutboundCall) WriteArg2(arg Output) error {
	if call.state != outboundCallReadyToWriteArg2 {
		return call.failed(ErrOutboundCallStateMismatch)
	}

	if err := call.partWriter.WritePart(arg, false); err != nil {
		return call.failed(err)
	}

	call.state = outboundCallReadyToWriteArg3
	return nil
}

// WriteArg3 writes the third (final) argument of the call.
func (call *OutboundCall) WriteArg3(arg Output) error {
	if call.state != outboundCallReadyToWriteArg3 {
		return call.failed(ErrOutboundCallStateMismatch)
	}

	if err := call.partWriter.WritePart(arg, true); err != nil {
		return call.failed(err)
	}

	call.state = outboundCallDone
	return nil
}

func (call *OutboundCall) failed(err error) error {
	call.state = outboundCallError
	call.finish(err)
	return err
}

// finish closes out the call's tracing span; calling it again is a no-op
// because the span is cleared. It does not release the call's id: that is
// done by OutboundCallResponse through Connection.outboundCallComplete.
func (call *OutboundCall) finish(err error) {
	if call.span != nil {
		trace.FinishSpan(call.span, err)
		call.span = nil
	}
}

// Cancel asks the peer to abandon this call and unblocks any local
// goroutine waiting on its response.
func (call *OutboundCall) Cancel() error {
	call.failed(ErrCancelled)
	return call.conn.cancelOutbound(call.id)
}

// Response returns the object used to read the call's response.
func (call *OutboundCall) Response() *OutboundCallResponse { return call.res }

// beginFragment implements outFragmentChannel for OutboundCall.
func (call *OutboundCall) beginFragment() (*outFragment, error) {
	frame := call.conn.framePool.Get()

	var msg Message
	if !call.startedFirstFragment {
		call.startedFirstFragment = true
		msg = call.callReq
	} else {
		msg = &CallReqContinue{id: call.id}
	}

	return newOutboundFragment(frame, msg, call.checksum)
}

// flushFragment implements outFragmentChannel for OutboundCall.
func (call *OutboundCall) flushFragment(f *outFragment, last bool) error {
	select {
	case call.conn.sendCh <- f.finish(last):
		return nil
	default:
		return ErrSendBufferFull
	}
}

type outboundCallResponseState int

const (
	outboundCallResponsePreHeader outboundCallResponseState = iota
	outboundCallResponseReadyToReadArg2
	outboundCallResponseReadyToReadArg3
	outboundCallResponseDone
	outboundCallResponseError
)

// OutboundCallResponse reads back the peer's response to an OutboundCall.
type OutboundCallResponse struct {
	id    uint32
	conn  *Connection
	ctx   context.Context
	call  *OutboundCall
	resCh chan *Frame
	state outboundCallResponseState

	responseCode ResponseCode
	headers      CallHeaders

	curFragment      *inFragment
	recvLastFragment bool
}

// ApplicationError reports whether the peer completed the call but flagged
// it as an application-level failure. Only meaningful once the response
// header has been read.
func (res *OutboundCallResponse) ApplicationError() bool {
	return res.responseCode == ResponseApplicationError
}

// Headers returns the response's transport headers.
func (res *OutboundCallResponse) Headers() CallHeaders { return res.headers }

// readHeader blocks for the first response frame (a CallRes or an Error)
// and decodes it, if it hasn't already been read.
func (res *OutboundCallResponse) readHeader() error {
	if res.state != outboundCallResponsePreHeader {
		return nil
	}

	select {
	case <-res.ctx.Done():
		return res.failed(ErrTimeout)

	case frame, ok := <-res.resCh:
		if !ok {
			return res.failed(res.conn.takeTerminalErr(res.id))
		}
		if frame == nil {
			return res.failed(res.conn.takeTerminalErr(res.id))
		}

		if frame.Header.Type == MessageTypeError {
			var em ErrorMessage
			if err := decodeInto(frame, &em); err != nil {
				return res.failed(err)
			}
			return res.failed(NewSystemError(em.Code, "%s", em.Message))
		}

		var callRes CallRes
		callRes.id = res.id
		fragment, err := newInboundFragment(frame, &callRes, nil)
		if err != nil {
			return res.failed(err)
		}

		res.responseCode = callRes.ResponseCode
		res.headers = callRes.Headers
		res.curFragment = fragment
		res.recvLastFragment = fragment.last
		res.state = outboundCallResponseReadyToReadArg2
		return nil
	}
}

// ReadArg2 reads the second argument of the response.
func (res *OutboundCallResponse) ReadArg2(arg Input) error {
	if err := res.readHeader(); err != nil {
		return err
	}
	if res.state != outboundCallResponseReadyToReadArg2 {
		return res.failed(ErrOutboundCallStateMismatch)
	}

	r := newMultiPartReader(res, false)
	if err := r.ReadPart(arg, false); err != nil {
		return res.failed(err)
	}

	res.state = outboundCallResponseReadyToReadArg3
	return nil
}

// ReadArg3 reads the third (final) argument of the response.
func (res *OutboundCallResponse) ReadArg3(arg Input) error {
	if err := res.readHeader(); err != nil {
		return err
	}
	if res.state != outboundCallResponseReadyToReadArg3 {
		return res.failed(ErrOutboundCallStateMismatch)
	}

	r := newMultiPartReader(res, true)
	if err := r.ReadPart(arg, true); err != nil {
		return res.failed(err)
	}

	res.state = outboundCallResponseDone
	res.call.finish(nil)
	res.conn.outboundCallComplete(res.id)
	return nil
}

func (res *OutboundCallResponse) failed(err error) error {
	if err == nil {
		return nil
	}
	res.state = outboundCallResponseError
	res.call.finish(err)
	res.conn.outboundCallComplete(res.id)
	return err
}

// waitForFragment implements inFragmentChannel for OutboundCallResponse.
func (res *OutboundCallResponse) waitForFragment() (*inFragment, error) {
	if res.curFragment != nil && res.curFragment.hasMoreChunks() {
		return res.curFragment, nil
	}

	if res.recvLastFragment {
		return nil, io.EOF
	}

	select {
	case <-res.ctx.Done():
		return nil, res.failed(ErrTimeout)

	case frame, ok := <-res.resCh:
		if !ok || frame == nil {
			return nil, res.failed(res.conn.takeTerminalErr(res.id))
		}

		resContinue := &CallResContinue{id: res.id}
		fragment, err := newInboundFragment(frame, resContinue, res.curFragment.checksum)
		if err != nil {
			return nil, res.failed(err)
		}

		res.curFragment = fragment
		res.recvLastFragment = fragment.last
		return fragment, nil
	}
}
