package tchannel

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/kschoon/tchannel/checksum"
	"github.com/kschoon/tchannel/typed"
)

// PeerInfo describes one end of a Connection: the advertised host:port and
// process name exchanged during the init handshake.
type PeerInfo struct {
	HostPort    string
	ProcessName string
}

func (p PeerInfo) String() string { return fmt.Sprintf("%s(%s)", p.HostPort, p.ProcessName) }

// connectionState tracks the init handshake and lifecycle of a Connection.
// No call frames flow until the handshake completes.
type connectionState int

const (
	connectionWaitingToRecvInitReq connectionState = iota
	connectionWaitingToSendInitReq
	connectionWaitingToRecvInitRes
	connectionActive
	connectionStartClose
	connectionClosed
)

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	PeerInfo       PeerInfo
	FramePool      FramePool
	RecvBufferSize int
	SendBufferSize int
	ChecksumType   checksum.Type
	Logger         Logger
	Tracer         opentracing.Tracer
}

// Connection is a single TChannel wire connection: framing, the init
// handshake, and the per-id call multiplexer. Call state is written by the
// connection's own goroutines (readFrames, writeFrames, sweepDeadlines); the
// reqMut mutex exists so BeginCall, invoked from arbitrary caller
// goroutines, can register new outbound call state without racing those
// loops.
type Connection struct {
	ch             *Channel
	log            Logger
	tracer         opentracing.Tracer
	checksumType   checksum.Type
	framePool      FramePool
	conn           net.Conn
	localPeerInfo  PeerInfo
	remotePeerInfo PeerInfo

	sendCh chan *Frame

	stateMut sync.RWMutex
	state    connectionState

	reqMut         sync.Mutex
	activeResChs   map[uint32]chan *Frame // outbound calls awaiting a response
	cancelled      map[uint32]bool        // ids discarded after cancel/timeout
	terminalErrs   map[uint32]error       // local-origin reason a resCh was sent a nil frame
	nextMessageId  uint32
	deadlines      *deadlineQueue

	inbound *inboundCallPipeline

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(ch *Channel, conn net.Conn, initialState connectionState, opts *ConnectionOptions) *Connection {
	if opts == nil {
		opts = &ConnectionOptions{}
	}

	sendBufferSize := opts.SendBufferSize
	if sendBufferSize <= 0 {
		sendBufferSize = 512
	}

	framePool := opts.FramePool
	if framePool == nil {
		framePool = DefaultFramePool
	}

	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger
	}

	c := &Connection{
		ch:            ch,
		log:           logger,
		tracer:        opts.Tracer,
		conn:          conn,
		framePool:     framePool,
		state:         initialState,
		checksumType:  opts.ChecksumType,
		sendCh:        make(chan *Frame, sendBufferSize),
		activeResChs:  make(map[uint32]chan *Frame),
		cancelled:     make(map[uint32]bool),
		terminalErrs:  make(map[uint32]error),
		deadlines:     newDeadlineQueue(),
		localPeerInfo: opts.PeerInfo,
		closed:        make(chan struct{}),
	}

	if opts.ChecksumType == checksum.TypeNone {
		c.checksumType = checksum.TypeCrc32
	}

	c.inbound = newInboundCallPipeline(c, framePool, logger)

	go c.readFrames()
	go c.writeFrames()
	go c.sweepDeadlines()
	return c
}

func newOutboundConnection(ch *Channel, conn net.Conn, opts *ConnectionOptions) *Connection {
	return newConnection(ch, conn, connectionWaitingToSendInitReq, opts)
}

func newInboundConnection(ch *Channel, conn net.Conn, opts *ConnectionOptions) *Connection {
	return newConnection(ch, conn, connectionWaitingToRecvInitReq, opts)
}

// IsActive reports whether the init handshake has completed.
func (c *Connection) IsActive() bool {
	c.stateMut.RLock()
	defer c.stateMut.RUnlock()
	return c.state == connectionActive
}

// RemotePeer returns the peer info learned from the init handshake.
func (c *Connection) RemotePeer() PeerInfo {
	c.stateMut.RLock()
	defer c.stateMut.RUnlock()
	return c.remotePeerInfo
}

// sendInit drives the active (client) side of the handshake: allocate an
// id, send InitReq, block for InitRes, validate the version, and flip to
// active.
func (c *Connection) sendInit(ctx context.Context) error {
	err := c.withStateLock(func() error {
		switch c.state {
		case connectionWaitingToSendInitReq:
			c.state = connectionWaitingToRecvInitRes
			return nil
		case connectionWaitingToRecvInitReq:
			return ErrConnectionWaitingOnPeerInit
		case connectionClosed, connectionStartClose:
			return ErrConnectionClosed
		case connectionActive, connectionWaitingToRecvInitRes:
			return ErrConnectionAlreadyActive
		default:
			return fmt.Errorf("tchannel: connection in unknown state %d", c.state)
		}
	})
	if err != nil {
		return err
	}

	initMsgId := c.NextMessageId()
	initResCh := make(chan *Frame, 1)
	c.withReqLock(func() error {
		c.activeResChs[initMsgId] = initResCh
		return nil
	})

	req := &InitReq{initMessage{id: initMsgId}}
	req.Version = CurrentProtocolVersion
	req.InitParams = InitParams{
		InitParamHostPort:    c.localPeerInfo.HostPort,
		InitParamProcessName: c.localPeerInfo.ProcessName,
	}

	if err := c.sendMessage(req); err != nil {
		c.outboundCallComplete(initMsgId)
		return c.connectionError(err)
	}

	res := &InitRes{initMessage{id: initMsgId}}
	if err := c.recvMessage(ctx, res, initResCh); err != nil {
		c.outboundCallComplete(initMsgId)
		return c.connectionError(err)
	}
	c.outboundCallComplete(initMsgId)

	if res.Version != CurrentProtocolVersion {
		return c.connectionError(NewProtocolError(ErrorCodeFatal,
			"unsupported protocol version %d from peer", res.Version))
	}

	c.remotePeerInfo.HostPort = res.InitParams[InitParamHostPort]
	c.remotePeerInfo.ProcessName = res.InitParams[InitParamProcessName]

	c.withStateLock(func() error {
		if c.state == connectionWaitingToRecvInitRes {
			c.state = connectionActive
		}
		return nil
	})

	return nil
}

// handleInitReq is the passive (server) side of the handshake: validate the
// version, record the peer's identity, echo an InitRes, and flip to active.
func (c *Connection) handleInitReq(frame *Frame) {
	c.stateMut.RLock()
	state := c.state
	c.stateMut.RUnlock()

	if state != connectionWaitingToRecvInitReq {
		c.fatalf(ErrorCodeFatal, frame.Header.Id, "received InitReq while not awaiting init")
		return
	}

	var req InitReq
	req.id = frame.Header.Id
	if err := decodeInto(frame, &req); err != nil {
		c.fatalf(ErrorCodeFatal, frame.Header.Id, "could not decode InitReq: %v", err)
		return
	}

	if req.Version != CurrentProtocolVersion {
		c.fatalf(ErrorCodeFatal, frame.Header.Id, "unsupported protocol version %d", req.Version)
		return
	}

	c.remotePeerInfo.HostPort = req.InitParams[InitParamHostPort]
	c.remotePeerInfo.ProcessName = req.InitParams[InitParamProcessName]

	res := &InitRes{initMessage{id: frame.Header.Id}}
	res.Version = CurrentProtocolVersion
	res.InitParams = InitParams{
		InitParamHostPort:    c.localPeerInfo.HostPort,
		InitParamProcessName: c.localPeerInfo.ProcessName,
	}

	if err := c.sendMessage(res); err != nil {
		c.connectionError(err)
		return
	}

	c.withStateLock(func() error {
		if c.state == connectionWaitingToRecvInitReq {
			c.state = connectionActive
		}
		return nil
	})
}

// handleInitRes forwards an InitRes to the goroutine blocked in sendInit.
func (c *Connection) handleInitRes(frame *Frame) {
	c.stateMut.RLock()
	state := c.state
	c.stateMut.RUnlock()

	switch state {
	case connectionWaitingToRecvInitRes:
		c.forwardResFrame(frame)
	case connectionClosed, connectionStartClose:
		// already tearing down, ignore
	default:
		c.fatalf(ErrorCodeFatal, frame.Header.Id, "received InitRes while not awaiting it")
	}
}

// decodeInto reads frame's body into msg, as a single (unfragmented)
// control message.
func decodeInto(frame *Frame, msg Message) error {
	rbuf := typed.NewReadBuffer(frame.SizedPayload())
	return msg.read(rbuf)
}

func (c *Connection) sendMessage(msg Message) error {
	f, err := MarshalMessage(msg, c.framePool)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) recvMessage(ctx context.Context, msg Message, resCh <-chan *Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case frame, ok := <-resCh:
		if !ok {
			return ErrConnectionClosed
		}
		if frame == nil {
			return c.takeTerminalErr(msg.Id())
		}
		if frame.Header.Type == MessageTypeError {
			var em ErrorMessage
			if err := decodeInto(frame, &em); err != nil {
				return err
			}
			return NewSystemError(em.Code, "%s", em.Message)
		}
		err := decodeInto(frame, msg)
		c.framePool.Release(frame)
		return err
	}
}

// forwardResFrame hands frame to the channel registered for its id, if any.
func (c *Connection) forwardResFrame(frame *Frame) {
	var resCh chan *Frame
	c.withReqLock(func() error {
		resCh = c.activeResChs[frame.Header.Id]
		return nil
	})

	if resCh == nil {
		// Unknown or already-terminated id.
		return
	}

	select {
	case resCh <- frame:
	default:
		c.log.Warnf("dropping frame for id=%d: receiver not keeping up", frame.Header.Id)
	}
}

// NextMessageId allocates the next unused id for an outbound call, skipping
// any id that is currently in flight and wrapping at 2^32.
func (c *Connection) NextMessageId() uint32 {
	c.reqMut.Lock()
	defer c.reqMut.Unlock()

	for {
		id := atomic.AddUint32(&c.nextMessageId, 1)
		if id == 0 {
			continue // 0 is reserved/unused as a real call id
		}
		if _, inFlight := c.activeResChs[id]; inFlight {
			continue
		}
		return id
	}
}

func (c *Connection) connectionError(err error) error {
	c.closeNetwork()
	return err
}

// fatalf closes the connection after attempting to notify the peer with a
// fatal-protocol Error frame addressed to 0xFFFFFFFF.
func (c *Connection) fatalf(code ErrorCode, id uint32, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.log.Errorf("tchannel: %s (id=%d): %s", code, id, msg)

	errMsg := &ErrorMessage{id: 0xFFFFFFFF, Code: code, Message: msg}
	if f, merr := MarshalMessage(errMsg, c.framePool); merr == nil {
		select {
		case c.sendCh <- f:
		default:
		}
	}

	c.closeNetwork()
}

func (c *Connection) closeNetwork() {
	c.closeOnce.Do(func() {
		c.withStateLock(func() error {
			c.state = connectionClosed
			return nil
		})
		close(c.closed)
		if err := c.conn.Close(); err != nil {
			c.log.Warnf("could not close connection to peer %s: %v", c.remotePeerInfo, err)
		}

		c.reqMut.Lock()
		for id, ch := range c.activeResChs {
			close(ch)
			delete(c.activeResChs, id)
		}
		c.reqMut.Unlock()
	})
}

func (c *Connection) withStateLock(f func() error) error {
	c.stateMut.Lock()
	defer c.stateMut.Unlock()
	return f()
}

func (c *Connection) withReqLock(f func() error) error {
	c.reqMut.Lock()
	defer c.reqMut.Unlock()
	return f()
}

// outboundCallComplete releases id back to the pool of reusable ids and
// removes any scheduled deadline for it. An id is reusable only after its
// call terminates.
func (c *Connection) outboundCallComplete(id uint32) {
	c.reqMut.Lock()
	delete(c.activeResChs, id)
	delete(c.cancelled, id)
	delete(c.terminalErrs, id)
	c.deadlines.cancel(id)
	c.reqMut.Unlock()
}

// setTerminalErr records why id's resCh is about to receive a nil frame, for
// a waiter to pick up via takeTerminalErr. It takes no lock: the caller
// must hold reqMut.
func (c *Connection) setTerminalErr(id uint32, err error) {
	c.terminalErrs[id] = err
}

// takeTerminalErr returns and clears the reason id's resCh received a nil
// frame, defaulting to ErrConnectionClosed if none was recorded.
func (c *Connection) takeTerminalErr(id uint32) error {
	c.reqMut.Lock()
	err, ok := c.terminalErrs[id]
	delete(c.terminalErrs, id)
	c.reqMut.Unlock()
	if !ok {
		return ErrConnectionClosed
	}
	return err
}

// cancelOutbound asks the peer to abandon the outbound call addressed by id,
// and unblocks any local goroutine waiting on its response.
func (c *Connection) cancelOutbound(id uint32) error {
	err := c.sendMessage(&CancelMessage{id: id})

	c.reqMut.Lock()
	c.cancelled[id] = true
	c.setTerminalErr(id, ErrCancelled)
	ch := c.activeResChs[id]
	c.reqMut.Unlock()

	if ch != nil {
		select {
		case ch <- nil:
		default:
		}
	}

	return err
}

// readFrames is the connection's read loop: one frame at a time, dispatched
// by type. No call frames are processed before init completes.
func (c *Connection) readFrames() {
	headerBuf := make([]byte, FrameHeaderSize)

	for {
		if _, err := io.ReadFull(c.conn, headerBuf); err != nil {
			c.handleNetworkError(err)
			return
		}

		header, err := DecodeFrameHeader(headerBuf)
		if err != nil {
			c.fatalf(ErrorCodeFatal, 0xFFFFFFFF, "bad frame header: %v", err)
			return
		}

		if header.Size < FrameHeaderSize || header.Size > MaxFrameSize {
			c.fatalf(ErrorCodeFatal, header.Id, "frame size %d out of bounds", header.Size)
			return
		}

		frame := c.framePool.Get()
		frame.Header = header

		bodyLen := int(header.Size) - FrameHeaderSize
		if bodyLen > 0 {
			if _, err := io.ReadFull(c.conn, frame.Payload[:bodyLen]); err != nil {
				c.handleNetworkError(err)
				return
			}
		}

		c.log.Debugf("recv: id=%d type=%s size=%d body=%s", frame.Header.Id, frame.Header.Type,
			frame.Header.Size, hex.EncodeToString(frame.SizedPayload()))

		if !c.IsActive() && frame.Header.Type != MessageTypeInitReq && frame.Header.Type != MessageTypeInitRes {
			c.fatalf(ErrorCodeFatal, frame.Header.Id, "received %s before init handshake completed", frame.Header.Type)
			return
		}

		switch frame.Header.Type {
		case MessageTypeInitReq:
			c.handleInitReq(frame)
		case MessageTypeInitRes:
			c.handleInitRes(frame)
		case MessageTypeCallReq:
			c.inbound.handleCallReq(frame)
		case MessageTypeCallReqContinue:
			c.inbound.handleCallReqContinue(frame)
		case MessageTypeCallRes:
			c.handleCallResFrame(frame)
		case MessageTypeCallResContinue:
			c.handleCallResFrame(frame)
		case MessageTypeError:
			c.handleError(frame)
		case MessageTypeCancel:
			c.handleCancel(frame)
		case MessageTypeClaim:
			// Accepted for wire compatibility; the body is not parsed and
			// the frame has no operational effect.
		case MessageTypePingReq:
			c.handlePingReq(frame)
		case MessageTypePingRes:
			c.forwardResFrame(frame)
		default:
			c.fatalf(ErrorCodeFatal, frame.Header.Id, "unknown frame type %d", frame.Header.Type)
			return
		}
	}
}

func (c *Connection) handleNetworkError(err error) {
	c.reqMut.Lock()
	chans := make([]chan *Frame, 0, len(c.activeResChs))
	for id, ch := range c.activeResChs {
		c.setTerminalErr(id, ErrConnectionClosed)
		chans = append(chans, ch)
	}
	c.reqMut.Unlock()

	for _, ch := range chans {
		select {
		case ch <- nil:
		default:
		}
	}

	c.connectionError(err)
}

// handleCallResFrame routes a CallRes/CallResContinue to the waiting
// outbound call. A response frame addressed at an id with no open call and
// no record of a local cancel or timeout draws an Error(bad-request) reply;
// late frames for an id that was cancelled or timed out locally are
// discarded until the state record is evicted.
func (c *Connection) handleCallResFrame(frame *Frame) {
	var resCh chan *Frame
	var discarded bool
	c.withReqLock(func() error {
		resCh = c.activeResChs[frame.Header.Id]
		discarded = c.cancelled[frame.Header.Id]
		return nil
	})

	if resCh == nil {
		if !discarded {
			msg := &ErrorMessage{id: frame.Header.Id, Code: ErrorCodeBadRequest,
				Message: "no open call for response frame"}
			if err := c.sendMessage(msg); err != nil {
				c.log.Warnf("could not reject orphan response frame for id=%d: %v", frame.Header.Id, err)
			}
		}
		return
	}

	select {
	case resCh <- frame:
	default:
		c.log.Warnf("dropping frame for id=%d: receiver not keeping up", frame.Header.Id)
	}
}

// handleError dispatches an incoming Error frame: id 0xFFFFFFFF tears down
// the whole connection (fatal-protocol from the peer), otherwise it
// terminates just the addressed call.
func (c *Connection) handleError(frame *Frame) {
	var em ErrorMessage
	if err := decodeInto(frame, &em); err != nil {
		c.log.Warnf("could not decode Error frame: %v", err)
		return
	}

	if frame.Header.Id == 0xFFFFFFFF {
		c.log.Errorf("peer closed connection with fatal error: %s", em.Message)
		c.closeNetwork()
		return
	}

	c.forwardResFrame(frame)
	c.inbound.handleError(frame.Header.Id, &em)
}

// handleCancel terminates the call the peer addressed with a cancelled
// error and discards any further frames for that id.
func (c *Connection) handleCancel(frame *Frame) {
	c.reqMut.Lock()
	ch, ok := c.activeResChs[frame.Header.Id]
	if ok {
		// The id names one of our own outgoing calls; mark it discarded so
		// late response frames for it are dropped rather than rejected.
		c.cancelled[frame.Header.Id] = true
		c.setTerminalErr(frame.Header.Id, ErrCancelled)
	}
	c.reqMut.Unlock()

	if ok {
		select {
		case ch <- nil:
		default:
		}
	}

	c.inbound.cancel(frame.Header.Id)
}

func (c *Connection) handlePingReq(frame *Frame) {
	res := &PingRes{id: frame.Header.Id}
	if err := c.sendMessage(res); err != nil {
		c.log.Warnf("could not send ping response: %v", err)
	}
}

// Ping sends a PingReq and blocks until the matching PingRes arrives or ctx
// is done.
func (c *Connection) Ping(ctx context.Context) error {
	id := c.NextMessageId()
	resCh := make(chan *Frame, 1)
	c.withReqLock(func() error {
		c.activeResChs[id] = resCh
		return nil
	})
	defer c.outboundCallComplete(id)

	if err := c.sendMessage(&PingReq{id: id}); err != nil {
		return err
	}

	var res PingRes
	return c.recvMessage(ctx, &res, resCh)
}

// writeFrames is the connection's write loop: pulls frames off sendCh and
// writes the envelope then the body.
func (c *Connection) writeFrames() {
	headerBuf := make([]byte, FrameHeaderSize)

	for f := range c.sendCh {
		wbuf := typed.NewWriteBuffer(headerBuf)
		if err := f.Header.write(wbuf); err != nil {
			c.log.Errorf("could not encode frame header: %v", err)
			c.framePool.Release(f)
			continue
		}

		c.log.Debugf("send: id=%d type=%s size=%d", f.Header.Id, f.Header.Type, f.Header.Size)

		if _, err := c.conn.Write(headerBuf); err != nil {
			c.framePool.Release(f)
			c.connectionError(err)
			return
		}

		if _, err := c.conn.Write(f.SizedPayload()); err != nil {
			c.framePool.Release(f)
			c.connectionError(err)
			return
		}

		c.framePool.Release(f)
	}
}

// sweepDeadlines evicts calls whose ttl has elapsed, sending Error(timeout)
// to the remote and completing local futures with a timeout error.
func (c *Connection) sweepDeadlines() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			c.reqMut.Lock()
			expired := c.deadlines.sweep(now)
			chans := make(map[uint32]chan *Frame, len(expired))
			for _, id := range expired {
				c.cancelled[id] = true // discard any late frames for this id
				if ch, ok := c.activeResChs[id]; ok {
					c.setTerminalErr(id, ErrTimeout)
					chans[id] = ch
					delete(c.activeResChs, id)
				}
			}
			c.reqMut.Unlock()

			for _, id := range expired {
				c.sendMessage(&ErrorMessage{id: id, Code: ErrorCodeTimeout, Message: "call timed out"})
				if ch, ok := chans[id]; ok {
					select {
					case ch <- nil:
					default:
					}
					continue
				}
				// not an outbound call awaiting a response: it must be one
				// of ours still being served, so give up on it locally too.
				c.inbound.terminate(id)
			}
		}
	}
}

// scheduleDeadline registers id's ttl with the deadline sweep.
func (c *Connection) scheduleDeadline(id uint32, ttl time.Duration) {
	c.reqMut.Lock()
	c.deadlines.schedule(id, time.Now().Add(ttl))
	c.reqMut.Unlock()
}

// Close begins an orderly shutdown of the connection.
func (c *Connection) Close() error {
	c.withStateLock(func() error {
		c.state = connectionStartClose
		return nil
	})
	return c.conn.Close()
}
