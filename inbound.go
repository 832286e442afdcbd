package tchannel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/kschoon/tchannel/checksum"
	"github.com/kschoon/tchannel/trace"
)

// inboundCallPipeline manages the incoming side of one connection's per-id
// call state: dispatching CallReq/CallReqContinue frames to the matching
// in-flight InboundCall, and routing Cancel/Error frames that address one.
type inboundCallPipeline struct {
	conn      *Connection
	framePool FramePool
	log       Logger

	reqMut       sync.Mutex
	activeReqChs map[uint32]chan *Frame
	active       map[uint32]*InboundCall
}

func newInboundCallPipeline(conn *Connection, framePool FramePool, log Logger) *inboundCallPipeline {
	return &inboundCallPipeline{
		conn:         conn,
		framePool:    framePool,
		log:          log,
		activeReqChs: make(map[uint32]chan *Frame),
		active:       make(map[uint32]*InboundCall),
	}
}

// handleCallReq opens per-id state for a fresh incoming call request.
func (p *inboundCallPipeline) handleCallReq(frame *Frame) {
	var callReq CallReq
	callReq.id = frame.Header.Id
	firstFragment, err := newInboundFragment(frame, &callReq, nil)
	if err != nil {
		p.replyError(frame.Header.Id, ErrorCodeBadRequest, "could not decode call request: %v", err)
		return
	}

	if callReq.TTL == 0 {
		p.replyError(frame.Header.Id, ErrorCodeBadRequest, "ttl must be > 0")
		return
	}

	reqCh := make(chan *Frame, 512)

	var duplicate *InboundCall
	p.withReqLock(func() error {
		if existing, ok := p.active[frame.Header.Id]; ok {
			duplicate = existing
			return nil
		}

		p.activeReqChs[frame.Header.Id] = reqCh
		return nil
	})

	if duplicate != nil {
		// A client reusing a still-open id is a protocol violation, not a
		// per-call error: reject the new request, kill the existing one,
		// and close the connection.
		p.replyError(frame.Header.Id, ErrorCodeBadRequest, "id already has an open call")
		duplicate.terminate(NewSystemError(ErrorCodeFatal, "duplicate call id"))
		p.conn.fatalf(ErrorCodeFatal, frame.Header.Id, "peer reused in-flight call id %d", frame.Header.Id)
		return
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), time.Duration(callReq.TTL)*time.Millisecond)

	res := &InboundCallResponse{
		id:       frame.Header.Id,
		pipeline: p,
		state:    inboundCallResponseReadyToWriteArg2,
		checksum: checksum.New(p.conn.checksumType),
	}
	res.partWriter = newMultiPartWriter(res)

	call := &InboundCall{
		id:                   frame.Header.Id,
		pipeline:             p,
		res:                  res,
		recvCh:               reqCh,
		ctx:                  ctx,
		cancelFn:             cancelFn,
		curFragment:          firstFragment,
		recvLastFragment:     firstFragment.last,
		fragmentsSeenForArg1: 1,
		serviceName:          callReq.Service,
		headers:              callReq.Headers,
		tracing:              callReq.Tracing,
		state:                inboundCallPreRead,
	}

	p.withReqLock(func() error {
		p.active[frame.Header.Id] = call
		return nil
	})
	p.conn.scheduleDeadline(frame.Header.Id, time.Duration(callReq.TTL)*time.Millisecond)

	go p.dispatchInbound(call)
}

// handleCallReqContinue routes a continuation frame to its call's channel.
func (p *inboundCallPipeline) handleCallReqContinue(frame *Frame) {
	var reqCh chan *Frame
	p.withReqLock(func() error {
		reqCh = p.activeReqChs[frame.Header.Id]
		return nil
	})

	if reqCh == nil {
		// Continuation for an unknown id: reply bad-request without
		// allocating any state for it.
		p.replyError(frame.Header.Id, ErrorCodeBadRequest, "continuation for unknown call id")
		return
	}

	select {
	case reqCh <- frame:
	default:
		p.replyError(frame.Header.Id, ErrorCodeBusy, "not reading fragments quickly enough")
		p.terminate(frame.Header.Id)
	}
}

// cancel tears down the addressed call, if still active; further frames for
// the id are discarded once its state is evicted.
func (p *inboundCallPipeline) cancel(id uint32) {
	p.withReqLock(func() error {
		if call, ok := p.active[id]; ok {
			call.cancelFn()
		}
		return nil
	})
	p.terminate(id)
}

// handleError tears down the call addressed by a peer Error frame.
func (p *inboundCallPipeline) handleError(id uint32, em *ErrorMessage) {
	p.withReqLock(func() error {
		if call, ok := p.active[id]; ok {
			call.cancelFn()
		}
		return nil
	})
	p.terminate(id)
}

func (p *inboundCallPipeline) terminate(id uint32) {
	p.withReqLock(func() error {
		if ch, ok := p.activeReqChs[id]; ok {
			close(ch)
			delete(p.activeReqChs, id)
		}
		delete(p.active, id)
		return nil
	})
	p.conn.withReqLock(func() error {
		p.conn.deadlines.cancel(id)
		return nil
	})
}

// inboundCallComplete is called by an InboundCall/InboundCallResponse once
// it reaches a terminal state.
func (p *inboundCallPipeline) inboundCallComplete(id uint32) {
	p.terminate(id)
}

func (p *inboundCallPipeline) replyError(id uint32, code ErrorCode, format string, args ...interface{}) {
	msg := &ErrorMessage{id: id, Code: code, Message: fmt.Sprintf(format, args...)}
	if err := p.conn.sendMessage(msg); err != nil {
		p.log.Warnf("could not send %s error for id=%d: %v", code, id, err)
	}
}

func (p *inboundCallPipeline) withReqLock(f func() error) error {
	p.reqMut.Lock()
	defer p.reqMut.Unlock()
	return f()
}

// dispatchInbound reads the operation name, starts the inbound tracing
// span, finds a registered handler, and invokes it.
func (p *inboundCallPipeline) dispatchInbound(call *InboundCall) {
	p.log.Debugf("received call for %s from %s", call.ServiceName(), p.conn.RemotePeer())

	if err := call.readOperation(); err != nil {
		p.log.Errorf("could not read operation from %s: %v", p.conn.RemotePeer(), err)
		code := ErrorCodeBadRequest
		if se, ok := err.(*SystemError); ok {
			code = se.Code
		}
		p.replyError(call.id, code, "could not read operation: %v", err)
		return
	}

	ctx, span, visibleHeaders, err := trace.StartInbound(call.ctx, p.conn.tracer, trace.Headers(call.headers),
		call.Operation(), trace.TraceIDs{
			SpanID: call.tracing.SpanId, ParentID: call.tracing.ParentId,
			TraceID: call.tracing.TraceId, TraceFlags: call.tracing.TraceFlags,
		})
	if err != nil {
		p.log.Errorf("inbound tracing interceptor failed: %v", err)
		call.res.SendSystemError(NewSystemError(ErrorCodeUnexpected, "tracing interceptor failed: %v", err))
		return
	}
	call.ctx = ctx
	call.span = span
	call.headers = CallHeaders(visibleHeaders)

	h := p.conn.ch.handlers.find(call.ServiceName(), call.operation)
	if h == nil {
		p.log.Errorf("no handler for %s:%s", call.ServiceName(), call.operation)
		call.Response().SendSystemError(ErrHandlerNotFound)
		if span != nil {
			trace.FinishSpan(span, ErrHandlerNotFound)
		}
		return
	}

	p.log.Debugf("dispatching %s:%s from %s", call.ServiceName(), call.operation, p.conn.RemotePeer())
	h.Handle(call.ctx, call)
	if span != nil {
		trace.FinishSpan(span, call.res.finalErr)
	}
}

// InboundCall is an incoming call from a peer, mid-flight through argument
// reassembly and handler dispatch.
type InboundCall struct {
	id                   uint32
	pipeline             *inboundCallPipeline
	res                  *InboundCallResponse
	ctx                  context.Context
	cancelFn             func()
	serviceName          string
	operation            []byte
	headers              CallHeaders
	tracing              Tracing
	span                 opentracing.Span
	state                inboundCallState
	recvLastFragment     bool
	recvCh               <-chan *Frame
	curFragment          *inFragment
	fragmentsSeenForArg1 int
}

type inboundCallState int

const (
	inboundCallPreRead inboundCallState = iota
	inboundCallReadyToReadArg2
	inboundCallReadyToReadArg3
	inboundCallAllRead
	inboundCallError
)

// MaxArg1Size is the largest an operation name (arg1) may be.
const MaxArg1Size = 16384

// ServiceName returns the service being called.
func (call *InboundCall) ServiceName() string { return call.serviceName }

// Operation returns the endpoint (arg1) being called.
func (call *InboundCall) Operation() string { return string(call.operation) }

// Headers returns the transport headers, with any $tracing$-prefixed keys
// already stripped.
func (call *InboundCall) Headers() CallHeaders { return call.headers }

// Context returns the call's deadline-bound, tracing-bound context.
func (call *InboundCall) Context() context.Context { return call.ctx }

// readOperation reads the whole of arg1 (the operation name), enforcing
// that it is fully contained in the first fragment and does not exceed
// MaxArg1Size bytes.
func (call *InboundCall) readOperation() error {
	if call.state != inboundCallPreRead {
		return call.failed(ErrInboundCallStateMismatch)
	}

	r := newMultiPartReader(call, false)
	var arg1 []byte
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		arg1 = append(arg1, chunk[:n]...)
		if len(arg1) > MaxArg1Size {
			return call.failed(NewSystemError(ErrorCodeBadRequest, "arg1 exceeds %d bytes", MaxArg1Size))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return call.failed(err)
		}
	}

	if call.fragmentsSeenForArg1 > 1 {
		return call.failed(NewSystemError(ErrorCodeBadRequest, "arg1 split across fragments"))
	}

	if err := r.endPart(); err != nil {
		return call.failed(err)
	}

	call.operation = arg1
	call.state = inboundCallReadyToReadArg2
	return nil
}

// ReadArg2 reads the second argument from the inbound call.
func (call *InboundCall) ReadArg2(arg Input) error {
	if call.state != inboundCallReadyToReadArg2 {
		return call.failed(ErrInboundCallStateMismatch)
	}

	r := newMultiPartReader(call, false)
	if err := r.ReadPart(arg, false); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallReadyToReadArg3
	return nil
}

// ReadArg3 reads the third argument from the inbound call.
func (call *InboundCall) ReadArg3(arg Input) error {
	if call.state != inboundCallReadyToReadArg3 {
		return call.failed(ErrInboundCallStateMismatch)
	}

	r := newMultiPartReader(call, true)
	if err := r.ReadPart(arg, true); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallAllRead
	return nil
}

func (call *InboundCall) failed(err error) error {
	call.state = inboundCallError
	call.pipeline.inboundCallComplete(call.id)
	return err
}

func (call *InboundCall) terminate(err error) {
	call.cancelFn()
	call.failed(err)
}

// Response provides access to the response object.
func (call *InboundCall) Response() *InboundCallResponse { return call.res }

// waitForFragment implements inFragmentChannel for InboundCall.
func (call *InboundCall) waitForFragment() (*inFragment, error) {
	if call.curFragment != nil && call.curFragment.hasMoreChunks() {
		return call.curFragment, nil
	}

	if call.recvLastFragment {
		return nil, io.EOF
	}

	select {
	case <-call.ctx.Done():
		return nil, call.failed(ErrTimeout)

	case frame, ok := <-call.recvCh:
		if !ok || frame == nil {
			return nil, call.failed(ErrCancelled)
		}

		reqContinue := &CallReqContinue{id: call.id}
		fragment, err := newInboundFragment(frame, reqContinue, call.curFragment.checksum)
		if err != nil {
			return nil, call.failed(err)
		}

		call.fragmentsSeenForArg1++
		call.curFragment = fragment
		call.recvLastFragment = fragment.last
		return fragment, nil
	}
}

// InboundCallResponse is used to send the response back to the peer.
type InboundCallResponse struct {
	id                   uint32
	checksum             checksum.Checksum
	pipeline             *inboundCallPipeline
	state                inboundCallResponseState
	startedFirstFragment bool
	partWriter           *multiPartWriter
	applicationError     bool
	finalErr             error
}

type inboundCallResponseState int

const (
	inboundCallResponseReadyToWriteArg2 inboundCallResponseState = iota
	inboundCallResponseReadyToWriteArg3
	inboundCallResponseComplete
	inboundCallResponseError
)

// SendSystemError sends an error response to the peer in place of a normal
// CallRes, and marks the call terminated.
func (call *InboundCallResponse) SendSystemError(err error) error {
	call.state = inboundCallResponseComplete
	call.finalErr = err

	msg := &ErrorMessage{
		id:      call.id,
		Code:    GetSystemErrorCode(err),
		Message: err.Error(),
	}

	frame, merr := MarshalMessage(msg, call.pipeline.framePool)
	if merr != nil {
		call.pipeline.log.Warnf("could not build error frame for %s id=%d: %v", call.pipeline.conn.RemotePeer(), call.id, merr)
		call.pipeline.inboundCallComplete(call.id)
		return nil
	}

	select {
	case call.pipeline.conn.sendCh <- frame:
	default:
		call.pipeline.log.Warnf("could not send error frame to %s for %d", call.pipeline.conn.RemotePeer(), call.id)
	}

	call.pipeline.inboundCallComplete(call.id)
	return nil
}

// SetApplicationError marks the response as an application-level error; it
// must be called before any argument is written.
func (call *InboundCallResponse) SetApplicationError() error {
	if call.state != inboundCallResponseReadyToWriteArg2 {
		return ErrInboundCallResponseStateMismatch
	}

	call.applicationError = true
	return nil
}

// WriteArg2 writes the second argument of the response.
func (call *InboundCallResponse) WriteArg2(arg Output) error {
	if call.state != inboundCallResponseReadyToWriteArg2 {
		return call.failed(ErrInboundCallResponseStateMismatch)
	}

	if err := call.partWriter.WritePart(arg, false); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallResponseReadyToWriteArg3
	return nil
}

// WriteArg3 writes the third (final) argument of the response.
func (call *InboundCallResponse) WriteArg3(arg Output) error {
	if call.state != inboundCallResponseReadyToWriteArg3 {
		return call.failed(ErrInboundCallResponseStateMismatch)
	}

	if err := call.partWriter.WritePart(arg, true); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallResponseComplete
	if call.applicationError {
		call.finalErr = NewSystemError(ErrorCodeUnexpected, "application error")
	}
	call.pipeline.inboundCallComplete(call.id)
	return nil
}

func (call *InboundCallResponse) failed(err error) error {
	call.state = inboundCallResponseError
	call.finalErr = err
	call.pipeline.inboundCallComplete(call.id)
	return err
}

// beginFragment implements outFragmentChannel for InboundCallResponse.
func (call *InboundCallResponse) beginFragment() (*outFragment, error) {
	frame := call.pipeline.framePool.Get()

	var msg Message
	if !call.startedFirstFragment {
		call.startedFirstFragment = true
		code := ResponseOK
		if call.applicationError {
			code = ResponseApplicationError
		}

		msg = &CallRes{id: call.id, ResponseCode: code, Headers: CallHeaders{}}
	} else {
		msg = &CallResContinue{id: call.id}
	}

	return newOutboundFragment(frame, msg, call.checksum)
}

// flushFragment implements outFragmentChannel for InboundCallResponse.
func (call *InboundCallResponse) flushFragment(f *outFragment, last bool) error {
	select {
	case call.pipeline.conn.sendCh <- f.finish(last):
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Handler processes one dispatched InboundCall.
type Handler interface {
	Handle(ctx context.Context, call *InboundCall)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, call *InboundCall)

func (f HandlerFunc) Handle(ctx context.Context, call *InboundCall) { f(ctx, call) }

// handlerMap dispatches by (service, operation).
type handlerMap struct {
	mut      sync.RWMutex
	handlers map[string]map[string]Handler
}

func (hmap *handlerMap) register(h Handler, serviceName, operation string) {
	hmap.mut.Lock()
	defer hmap.mut.Unlock()

	if hmap.handlers == nil {
		hmap.handlers = make(map[string]map[string]Handler)
	}

	ops := hmap.handlers[serviceName]
	if ops == nil {
		ops = make(map[string]Handler)
		hmap.handlers[serviceName] = ops
	}

	ops[operation] = h
}

func (hmap *handlerMap) find(serviceName string, operation []byte) Handler {
	hmap.mut.RLock()
	defer hmap.mut.RUnlock()

	if ops := hmap.handlers[serviceName]; ops != nil {
		return ops[string(operation)]
	}

	return nil
}
