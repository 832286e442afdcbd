package tchannel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kschoon/tchannel/checksum"
	"github.com/kschoon/tchannel/typed"
)

// newPipeConnections wires a client/server Connection pair over net.Pipe and
// completes the init handshake, the way two real peers would over TCP.
func newPipeConnections(t *testing.T, clientCh, serverCh *Channel) (*Connection, *Connection) {
	t.Helper()
	clientNetConn, serverNetConn := net.Pipe()

	server := newInboundConnection(serverCh, serverNetConn, &ConnectionOptions{
		PeerInfo: PeerInfo{HostPort: "server:0", ProcessName: "server"},
	})
	client := newOutboundConnection(clientCh, clientNetConn, &ConnectionOptions{
		PeerInfo: PeerInfo{HostPort: "client:0", ProcessName: "client"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.sendInit(ctx))

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return client, server
}

func newTestChannel(t *testing.T, processName string) *Channel {
	t.Helper()
	ch, err := NewChannel(processName+":0", &ChannelOptions{ProcessName: processName})
	require.NoError(t, err)
	return ch
}

func TestConnectionInitHandshake(t *testing.T) {
	serverCh := newTestChannel(t, "server")
	clientCh := newTestChannel(t, "client")

	client, server := newPipeConnections(t, clientCh, serverCh)

	require.True(t, client.IsActive())
	require.True(t, server.IsActive())
	require.Equal(t, "server", client.RemotePeer().ProcessName)
	require.Equal(t, "client", server.RemotePeer().ProcessName)
}

func TestConnectionInitHandshakeRejectsBadVersion(t *testing.T) {
	serverCh := newTestChannel(t, "server")
	clientNetConn, serverNetConn := net.Pipe()
	server := newInboundConnection(serverCh, serverNetConn, &ConnectionOptions{
		PeerInfo: PeerInfo{HostPort: "server:0", ProcessName: "server"},
	})
	t.Cleanup(func() { server.Close() })

	req := &InitReq{initMessage{id: 1}}
	req.Version = CurrentProtocolVersion + 1
	req.InitParams = InitParams{InitParamHostPort: "client:0", InitParamProcessName: "client"}

	frame, err := MarshalMessage(req, DefaultFramePool)
	require.NoError(t, err)
	writeRawFrame(t, clientNetConn, frame)

	select {
	case <-server.closed:
	case <-time.After(time.Second):
		t.Fatal("server did not close connection on bad init version")
	}
}

// echoHandler reads arg2/arg3 and writes them straight back.
func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var a2, a3 []byte
		if err := call.ReadArg2(NewBytesInput(&a2)); err != nil {
			call.Response().SendSystemError(err)
			return
		}
		if err := call.ReadArg3(NewBytesInput(&a3)); err != nil {
			call.Response().SendSystemError(err)
			return
		}
		call.Response().WriteArg2(BytesOutput(a2))
		call.Response().WriteArg3(BytesOutput(a3))
	})
}

func TestConnectionCallRoundTripSmall(t *testing.T) {
	serverCh := newTestChannel(t, "server")
	serverCh.Register(echoHandler(), "svc", "echo")
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := client.beginCall(ctx, "svc", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput([]byte("hello"))))
	require.NoError(t, call.WriteArg3(BytesOutput([]byte("world"))))

	res := call.Response()
	var a2, a3 []byte
	require.NoError(t, res.ReadArg2(NewBytesInput(&a2)))
	require.NoError(t, res.ReadArg3(NewBytesInput(&a3)))
	require.False(t, res.ApplicationError())
	require.Equal(t, "hello", string(a2))
	require.Equal(t, "world", string(a3))
}

func TestConnectionCallRoundTripFragmented(t *testing.T) {
	serverCh := newTestChannel(t, "server")
	serverCh.Register(echoHandler(), "svc", "echo")
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	big := make([]byte, 3*MaxFramePayloadSize+777) // forces several fragments
	for i := range big {
		big[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := client.beginCall(ctx, "svc", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput(big)))
	require.NoError(t, call.WriteArg3(BytesOutput([]byte("tail"))))

	res := call.Response()
	var a2, a3 []byte
	require.NoError(t, res.ReadArg2(NewBytesInput(&a2)))
	require.NoError(t, res.ReadArg3(NewBytesInput(&a3)))
	require.Equal(t, big, a2)
	require.Equal(t, "tail", string(a3))
}

func TestConnectionApplicationError(t *testing.T) {
	serverCh := newTestChannel(t, "server")
	serverCh.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var a2 []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&a2)))
		var a3 []byte
		require.NoError(t, call.ReadArg3(NewBytesInput(&a3)))
		require.NoError(t, call.Response().SetApplicationError())
		call.Response().WriteArg2(BytesOutput([]byte("err")))
		call.Response().WriteArg3(BytesOutput([]byte("details")))
	}), "svc", "fails")
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := client.beginCall(ctx, "svc", "fails", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput(nil)))
	require.NoError(t, call.WriteArg3(BytesOutput(nil)))

	res := call.Response()
	var a2, a3 []byte
	require.NoError(t, res.ReadArg2(NewBytesInput(&a2)))
	require.NoError(t, res.ReadArg3(NewBytesInput(&a3)))
	require.True(t, res.ApplicationError())
}

func TestConnectionUnknownOperationReturnsSystemError(t *testing.T) {
	serverCh := newTestChannel(t, "server") // no handlers registered
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := client.beginCall(ctx, "svc", "nope", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput(nil)))
	require.NoError(t, call.WriteArg3(BytesOutput(nil)))

	var a2 []byte
	err = call.Response().ReadArg2(NewBytesInput(&a2))
	require.Error(t, err)
}

func TestConnectionCallTimesOutWhenHandlerNeverResponds(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	serverCh := newTestChannel(t, "server")
	serverCh.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		<-block // never responds within the test's timeout
	}), "svc", "hang")
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	call, err := client.beginCall(ctx, "svc", "hang", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput(nil)))
	require.NoError(t, call.WriteArg3(BytesOutput(nil)))

	var a2 []byte
	err = call.Response().ReadArg2(NewBytesInput(&a2))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestConnectionCancelUnblocksCaller(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	serverCh := newTestChannel(t, "server")
	serverCh.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		<-block
	}), "svc", "hang")
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := client.beginCall(ctx, "svc", "hang", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput(nil)))
	require.NoError(t, call.WriteArg3(BytesOutput(nil)))

	require.NoError(t, call.Cancel())

	var a2 []byte
	err = call.Response().ReadArg2(NewBytesInput(&a2))
	require.Error(t, err)
}

// sendRawCall emits a complete call addressed at a caller-chosen id, used
// to simulate a peer that reuses an in-flight id, which the high-level
// OutboundCall API (via Connection.NextMessageId) can never do on its own.
func sendRawCall(t *testing.T, conn *Connection, id uint32, service, operation string, arg2, arg3 []byte) {
	t.Helper()

	call := &OutboundCall{
		id:          id,
		conn:        conn,
		ctx:         context.Background(),
		serviceName: service,
		checksum:    checksum.New(checksum.TypeCrc32),
		state:       outboundCallReadyToWriteArg2,
		callReq:     &CallReq{id: id, TTL: 5000, Service: service, Headers: CallHeaders{}},
	}
	call.partWriter = newMultiPartWriter(call)

	require.NoError(t, call.partWriter.WritePart(BytesOutput([]byte(operation)), false))
	require.NoError(t, call.WriteArg2(BytesOutput(arg2)))
	require.NoError(t, call.WriteArg3(BytesOutput(arg3)))
}

func writeRawFrame(t *testing.T, conn net.Conn, frame *Frame) {
	t.Helper()
	headerBuf := make([]byte, FrameHeaderSize)
	wbuf := typed.NewWriteBuffer(headerBuf)
	require.NoError(t, frame.Header.write(wbuf))

	_, err := conn.Write(headerBuf)
	require.NoError(t, err)
	_, err = conn.Write(frame.SizedPayload())
	require.NoError(t, err)
}

func TestConnectionDuplicateCallIdClosesConnection(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	serverCh := newTestChannel(t, "server")
	serverCh.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}), "svc", "slow")
	clientCh := newTestChannel(t, "client")

	client, server := newPipeConnections(t, clientCh, serverCh)

	sendRawCall(t, client, 777, "svc", "slow", nil, nil)
	time.Sleep(50 * time.Millisecond) // let the server register id 777 as in-flight

	sendRawCall(t, client, 777, "svc", "slow", nil, nil)

	select {
	case <-server.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection did not close after a duplicate call id")
	}
}

func TestConnectionPing(t *testing.T) {
	serverCh := newTestChannel(t, "server")
	clientCh := newTestChannel(t, "client")

	client, _ := newPipeConnections(t, clientCh, serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx))
}
