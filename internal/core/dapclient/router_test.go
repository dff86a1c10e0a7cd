package dapclient

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/caboose-desktop/debugctl/internal/core/dap"
)

// fakeAdapterConn speaks the adapter side of a DAP stream in-process,
// so the client under test sees a real TCP peer without any child
// process.
type fakeAdapterConn struct {
	t    *testing.T
	conn net.Conn
	dec  *dap.Decoder
	seq  int
}

func newFakeAdapterConn(t *testing.T, conn net.Conn) *fakeAdapterConn {
	return &fakeAdapterConn{t: t, conn: conn, dec: dap.NewDecoder()}
}

func (f *fakeAdapterConn) nextSeq() int {
	f.seq++
	return f.seq
}

// readRequest blocks until the next request arrives on this
// connection.
func (f *fakeAdapterConn) readRequest() godap.RequestMessage {
	buf := make([]byte, 4096)
	for {
		msgs, err := f.dec.ParseAll()
		require.NoError(f.t, err)
		for _, m := range msgs {
			if req, ok := m.(godap.RequestMessage); ok {
				return req
			}
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := f.conn.Read(buf)
		require.NoError(f.t, err)
		f.dec.Feed(buf[:n])
	}
}

func (f *fakeAdapterConn) send(msg godap.Message) {
	framed, err := dap.Encode(msg)
	require.NoError(f.t, err)
	_, err = f.conn.Write(framed)
	require.NoError(f.t, err)
}

func (f *fakeAdapterConn) respondOK(req godap.RequestMessage) {
	base := req.GetRequest()
	f.send(&godap.Response{
		ProtocolMessage: godap.ProtocolMessage{Seq: f.nextSeq(), Type: "response"},
		RequestSeq:      base.Seq,
		Success:         true,
		Command:         base.Command,
	})
}

// respondInitialize answers one initialize request with the given
// capabilities.
func (f *fakeAdapterConn) respondInitialize(req godap.RequestMessage, caps godap.Capabilities) {
	base := req.GetRequest()
	f.send(&godap.InitializeResponse{
		Response: godap.Response{
			ProtocolMessage: godap.ProtocolMessage{Seq: f.nextSeq(), Type: "response"},
			RequestSeq:      base.Seq,
			Success:         true,
			Command:         "initialize",
		},
		Body: caps,
	})
}

func TestStartDebuggingClaimsChildAndRoutesRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	childReady := make(chan string, 1)

	// Adapter side: first accept is the primary connection, second is
	// the child connection the router opens in response to
	// startDebugging.
	adapterDone := make(chan struct{})
	go func() {
		defer close(adapterDone)

		primaryNet, err := ln.Accept()
		if err != nil {
			return
		}
		primary := newFakeAdapterConn(t, primaryNet)

		initReq := primary.readRequest()
		require.Equal(t, "initialize", initReq.GetRequest().Command)
		primary.respondInitialize(initReq, godap.Capabilities{SupportsConfigurationDoneRequest: true})

		// Announce a child target the way vscode-js-debug does.
		primary.send(&godap.StartDebuggingRequest{
			Request: godap.Request{
				ProtocolMessage: godap.ProtocolMessage{Seq: primary.nextSeq(), Type: "request"},
				Command:         "startDebugging",
			},
			Arguments: godap.StartDebuggingRequestArguments{
				Configuration: map[string]interface{}{
					"type":              "pwa-node",
					"__pendingTargetId": "target-1",
				},
				Request: "attach",
			},
		})

		childNet, err := ln.Accept()
		if err != nil {
			return
		}
		child := newFakeAdapterConn(t, childNet)

		// Child handshake: initialize, attach, configurationDone.
		childInit := child.readRequest()
		require.Equal(t, "initialize", childInit.GetRequest().Command)
		child.respondInitialize(childInit, godap.Capabilities{SupportsConfigurationDoneRequest: true})

		attach := child.readRequest()
		require.Equal(t, "attach", attach.GetRequest().Command)
		var attachArgs map[string]interface{}
		require.NoError(t, json.Unmarshal(attach.(*godap.AttachRequest).Arguments, &attachArgs))
		require.Equal(t, "target-1", attachArgs["__pendingTargetId"])
		child.respondOK(attach)

		configDone := child.readRequest()
		require.Equal(t, "configurationDone", configDone.GetRequest().Command)
		child.respondOK(configDone)

		// The startDebugging reply on the primary stream is left
		// unread; it races the child handshake.

		// After the claim, thread-scoped traffic must arrive HERE, on
		// the child connection.
		threadsReq := child.readRequest()
		require.Equal(t, "threads", threadsReq.GetRequest().Command)
		base := threadsReq.GetRequest()
		child.send(&godap.ThreadsResponse{
			Response: godap.Response{
				ProtocolMessage: godap.ProtocolMessage{Seq: child.nextSeq(), Type: "response"},
				RequestSeq:      base.Seq,
				Success:         true,
				Command:         "threads",
			},
			Body: godap.ThreadsResponseBody{
				Threads: []godap.Thread{{Id: 7, Name: "child-main"}},
			},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, Config{
		Transport: TransportDial,
		Address:   ln.Addr().String(),
		ClientID:  "test",
		AdapterID: "fake",
		Handlers: Handlers{
			OnChildSession: func(targetID string) { childReady <- targetID },
		},
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Initialize(ctx)
	require.NoError(t, err)

	select {
	case targetID := <-childReady:
		require.Equal(t, "target-1", targetID)
	case <-time.After(5 * time.Second):
		t.Fatal("child session was never claimed")
	}
	require.True(t, client.HasActiveChild())

	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, 7, threads[0].Id)
	require.Equal(t, "child-main", threads[0].Name)

	select {
	case <-adapterDone:
	case <-time.After(5 * time.Second):
		t.Fatal("fake adapter did not finish its script")
	}
}

func TestStartDebuggingWithoutTargetIDIsRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rejected := make(chan bool, 1)
	go func() {
		primaryNet, err := ln.Accept()
		if err != nil {
			return
		}
		primary := newFakeAdapterConn(t, primaryNet)

		primary.send(&godap.StartDebuggingRequest{
			Request: godap.Request{
				ProtocolMessage: godap.ProtocolMessage{Seq: primary.nextSeq(), Type: "request"},
				Command:         "startDebugging",
			},
			Arguments: godap.StartDebuggingRequestArguments{
				Configuration: map[string]interface{}{"type": "pwa-node"},
				Request:       "attach",
			},
		})

		// The client must answer even a rejected reverse request.
		buf := make([]byte, 4096)
		dec := dap.NewDecoder()
		for {
			_ = primaryNet.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := primaryNet.Read(buf)
			if err != nil {
				rejected <- false
				return
			}
			dec.Feed(buf[:n])
			msgs, _ := dec.ParseAll()
			for _, m := range msgs {
				if resp, ok := m.(godap.ResponseMessage); ok {
					base := resp.GetResponse()
					if base.Command == "startDebugging" {
						rejected <- !base.Success
						return
					}
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, Config{
		Transport: TransportDial,
		Address:   ln.Addr().String(),
		ClientID:  "test",
		AdapterID: "fake",
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case wasRejected := <-rejected:
		require.True(t, wasRejected, "startDebugging without __pendingTargetId should fail")
	case <-time.After(5 * time.Second):
		t.Fatal("no response to startDebugging")
	}
	require.False(t, client.HasActiveChild())
}
