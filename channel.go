package tchannel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/kschoon/tchannel/checksum"
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// ProcessName identifies this process to peers during the init
	// handshake.
	ProcessName string

	// DefaultChecksumType is the checksum for every fragment this side
	// sends, both outbound calls and responses to inbound calls. The zero
	// value, checksum.TypeNone, selects checksum.TypeCrc32, so TypeNone
	// cannot be chosen here.
	DefaultChecksumType checksum.Type

	FramePool FramePool
	Logger    Logger
	Tracer    opentracing.Tracer

	RecvBufferSize int
	SendBufferSize int
}

func (opts *ChannelOptions) connectionOptions(hostPort string) *ConnectionOptions {
	return &ConnectionOptions{
		PeerInfo:       PeerInfo{HostPort: hostPort, ProcessName: opts.ProcessName},
		FramePool:      opts.FramePool,
		RecvBufferSize: opts.RecvBufferSize,
		SendBufferSize: opts.SendBufferSize,
		ChecksumType:   opts.DefaultChecksumType,
		Logger:         opts.Logger,
		Tracer:         opts.Tracer,
	}
}

// Channel is the top-level entry point: it listens for inbound connections,
// dials outbound ones, and dispatches/initiates calls across them.
type Channel struct {
	hostPort string
	opts     *ChannelOptions
	log      Logger

	handlers handlerMap

	mut         sync.Mutex
	listener    net.Listener
	connections map[net.Conn]*Connection
	closed      bool
}

// NewChannel creates a Channel bound to hostPort (not yet listening; call
// ListenAndHandle to accept inbound connections).
func NewChannel(hostPort string, opts *ChannelOptions) (*Channel, error) {
	if opts == nil {
		opts = &ChannelOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger
	}

	return &Channel{
		hostPort:    hostPort,
		opts:        opts,
		log:         logger,
		connections: make(map[net.Conn]*Connection),
	}, nil
}

// HostPort returns the address this channel advertises to peers.
func (ch *Channel) HostPort() string {
	ch.mut.Lock()
	defer ch.mut.Unlock()
	return ch.hostPort
}

// Register associates a Handler with a (service, operation) pair; inbound
// calls matching it are dispatched to h.
func (ch *Channel) Register(h Handler, serviceName, operationName string) {
	ch.handlers.register(h, serviceName, operationName)
}

// ListenAndHandle opens a listener on the channel's host:port and accepts
// inbound connections until Close is called, backing off exponentially on
// transient accept errors.
func (ch *Channel) ListenAndHandle() error {
	listener, err := net.Listen("tcp", ch.hostPort)
	if err != nil {
		return fmt.Errorf("tchannel: could not listen on %s: %w", ch.hostPort, err)
	}

	ch.mut.Lock()
	ch.listener = listener
	ch.hostPort = listener.Addr().String()
	ch.mut.Unlock()

	backoff := 5 * time.Millisecond
	const maxBackoff = 1 * time.Second

	for {
		conn, err := listener.Accept()
		if err != nil {
			ch.mut.Lock()
			closed := ch.closed
			ch.mut.Unlock()
			if closed {
				return nil
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				ch.log.Warnf("tchannel: transient accept error on %s: %v, retrying in %s", ch.hostPort, err, backoff)
				time.Sleep(backoff)
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			return fmt.Errorf("tchannel: accept on %s failed: %w", ch.hostPort, err)
		}

		backoff = 5 * time.Millisecond
		go ch.handleIncoming(conn)
	}
}

func (ch *Channel) handleIncoming(conn net.Conn) {
	c := newInboundConnection(ch, conn, ch.opts.connectionOptions(ch.hostPort))

	ch.mut.Lock()
	ch.connections[conn] = c
	ch.mut.Unlock()

	<-c.closed

	ch.mut.Lock()
	delete(ch.connections, conn)
	ch.mut.Unlock()
}

// dial opens and initializes a new outbound connection to hostPort.
func (ch *Channel) dial(ctx context.Context, hostPort string) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("tchannel: could not dial %s: %w", hostPort, err)
	}

	c := newOutboundConnection(ch, conn, ch.opts.connectionOptions(ch.hostPort))
	if err := c.sendInit(ctx); err != nil {
		return nil, err
	}

	ch.mut.Lock()
	ch.connections[conn] = c
	ch.mut.Unlock()

	return c, nil
}

// BeginCall starts an outgoing call to hostPort: it dials a fresh
// connection, completes the init handshake, and writes the CallReq header.
// The returned OutboundCall's WriteArg2/WriteArg3 and Response() are then
// used to drive the rest of the call.
func (ch *Channel) BeginCall(ctx context.Context, hostPort, serviceName, operationName string, headers CallHeaders) (*OutboundCall, error) {
	c, err := ch.dial(ctx, hostPort)
	if err != nil {
		return nil, err
	}

	return c.beginCall(ctx, serviceName, operationName, headers)
}

// RoundTrip is a convenience wrapper around BeginCall for the common
// request/response shape: send arg2/arg3, block for the full response.
func (ch *Channel) RoundTrip(ctx context.Context, hostPort, serviceName, operationName string, headers CallHeaders, arg2, arg3 []byte) (respArg2, respArg3 []byte, applicationError bool, err error) {
	call, err := ch.BeginCall(ctx, hostPort, serviceName, operationName, headers)
	if err != nil {
		return nil, nil, false, err
	}

	if err := call.WriteArg2(BytesOutput(arg2)); err != nil {
		return nil, nil, false, err
	}
	if err := call.WriteArg3(BytesOutput(arg3)); err != nil {
		return nil, nil, false, err
	}

	res := call.Response()

	var a2, a3 []byte
	if err := res.ReadArg2(NewBytesInput(&a2)); err != nil {
		return nil, nil, false, err
	}
	if err := res.ReadArg3(NewBytesInput(&a3)); err != nil {
		return nil, nil, false, err
	}

	return a2, a3, res.ApplicationError(), nil
}

// Ping opens a connection to hostPort and blocks for a PingRes.
func (ch *Channel) Ping(ctx context.Context, hostPort string) error {
	c, err := ch.dial(ctx, hostPort)
	if err != nil {
		return err
	}

	return c.Ping(ctx)
}

// Close shuts down the listener, if any, and every connection the channel
// currently holds.
func (ch *Channel) Close() error {
	ch.mut.Lock()
	ch.closed = true
	listener := ch.listener
	conns := make([]*Connection, 0, len(ch.connections))
	for _, c := range ch.connections {
		conns = append(conns, c)
	}
	ch.mut.Unlock()

	if listener != nil {
		listener.Close()
	}

	for _, c := range conns {
		c.Close()
	}

	return nil
}
