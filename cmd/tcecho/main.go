// Command tcecho is a minimal echo client/server exercising the public
// Channel API end to end: it starts a server registering an "echo"
// handler, then a client dials it, sends a payload, and prints the
// response.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kschoon/tchannel"
)

func main() {
	hostPort := flag.String("listen", "127.0.0.1:0", "address for the echo server to listen on")
	clientOnly := flag.String("dial", "", "if set, skip the local server and dial this address instead")
	flag.Parse()

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetBackend(backend)
	logger := tchannel.NewLogger(logging.MustGetLogger("tcecho"))

	serverAddr := *clientOnly
	if serverAddr == "" {
		addr, stop, err := startEchoServer(*hostPort, logger)
		if err != nil {
			log.Fatalf("tcecho: could not start echo server: %v", err)
		}
		defer stop()
		serverAddr = addr
	}

	client, err := tchannel.NewChannel("127.0.0.1:0", &tchannel.ChannelOptions{
		ProcessName: "tcecho-client",
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("tcecho: could not create client channel: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a2, a3, appErr, err := client.RoundTrip(ctx, serverAddr, "tcecho", "echo", nil,
		[]byte("arg2"), []byte("hello, tchannel"))
	if err != nil {
		log.Fatalf("tcecho: call failed: %v", err)
	}
	if appErr {
		log.Fatalf("tcecho: server reported an application error")
	}

	fmt.Printf("echo arg2=%q arg3=%q\n", a2, a3)
}

func startEchoServer(hostPort string, logger tchannel.Logger) (string, func(), error) {
	server, err := tchannel.NewChannel(hostPort, &tchannel.ChannelOptions{
		ProcessName: "tcecho-server",
		Logger:      logger,
	})
	if err != nil {
		return "", nil, err
	}

	server.Register(tchannel.HandlerFunc(func(ctx context.Context, call *tchannel.InboundCall) {
		var a2, a3 []byte
		if err := call.ReadArg2(tchannel.NewBytesInput(&a2)); err != nil {
			call.Response().SendSystemError(err)
			return
		}
		if err := call.ReadArg3(tchannel.NewBytesInput(&a3)); err != nil {
			call.Response().SendSystemError(err)
			return
		}

		call.Response().WriteArg2(tchannel.BytesOutput(a2))
		call.Response().WriteArg3(tchannel.BytesOutput(a3))
	}), "tcecho", "echo")

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndHandle() }()

	// ListenAndHandle binds the listener synchronously on its first
	// iteration before blocking in Accept, but there is no signal back to
	// here when that happens; give it a moment.
	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-errCh:
		return "", nil, err
	default:
	}

	return server.HostPort(), func() { server.Close() }, nil
}
