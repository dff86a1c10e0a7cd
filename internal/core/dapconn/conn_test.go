package dapconn

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/chzyer/readline"
	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/caboose-desktop/debugctl/internal/core/dap"
)

// Each test below drives the "far end" of a Conn over an io.Pipe
// pair, the way openllb-hlb's dapserver tests drive a DAP stream: the
// test owns both ends and can script exact adapter behavior.

func TestSendRequestRoundTrip(t *testing.T) {
	toAdapter, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()
	defer toAdapter.Close()
	defer toAdapterW.Close()
	defer fromAdapterR.Close()
	defer fromAdapterW.Close()

	conn := New(fromAdapterR, toAdapterW, Options{})
	defer conn.Close()

	// Fake adapter goroutine: read one request off toAdapter, reply.
	go func() {
		dec := dap.NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := toAdapter.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				msgs, _ := dec.ParseAll()
				for _, m := range msgs {
					if initReq, ok := m.(*godap.InitializeRequest); ok {
						resp := &godap.InitializeResponse{
							Response: godap.Response{
								ProtocolMessage: godap.ProtocolMessage{Seq: 100, Type: "response"},
								RequestSeq:      initReq.Seq,
								Success:         true,
								Command:         "initialize",
							},
						}
						framed, _ := dap.Encode(resp)
						fromAdapterW.Write(framed)
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	seq := conn.NextSeq()
	req := &godap.InitializeRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "initialize",
		},
		Arguments: godap.InitializeRequestArguments{ClientID: "test"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := conn.SendRequest(ctx, req, seq)
	require.NoError(t, err)
	require.True(t, resp.GetResponse().Success)
	require.Equal(t, seq, resp.GetResponse().RequestSeq)
}

func TestSendRequestTimeout(t *testing.T) {
	toAdapter, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()
	defer toAdapter.Close()
	defer toAdapterW.Close()
	defer fromAdapterR.Close()
	defer fromAdapterW.Close()

	conn := New(fromAdapterR, toAdapterW, Options{})
	defer conn.Close()

	// Drain writes but never reply, so the request can only end via
	// context deadline.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := toAdapter.Read(buf); err != nil {
				return
			}
		}
	}()

	seq := conn.NextSeq()
	req := &godap.PauseRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "pause",
		},
		Arguments: godap.PauseArguments{ThreadId: 1},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.SendRequest(ctx, req, seq)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingRequestsRejectOnStreamClose(t *testing.T) {
	toAdapter, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()
	defer toAdapter.Close()
	defer toAdapterW.Close()
	defer fromAdapterW.Close()

	// Wrap the adapter-to-client stream so the test can cancel it
	// mid-read, simulating the adapter process dying with a request
	// outstanding.
	cancelable := readline.NewCancelableStdin(fromAdapterR)

	conn := New(cancelable, toAdapterW, Options{})
	defer conn.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := toAdapter.Read(buf); err != nil {
				return
			}
		}
	}()

	seq := conn.NextSeq()
	req := &godap.ThreadsRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "threads",
		},
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), req, seq)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cancelable.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not reject on stream close")
	}
}

func TestEventsAreFannedOut(t *testing.T) {
	toAdapter, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()
	defer toAdapter.Close()
	defer toAdapterW.Close()
	defer fromAdapterR.Close()
	defer fromAdapterW.Close()

	conn := New(fromAdapterR, toAdapterW, Options{})
	defer conn.Close()

	ev := &godap.StoppedEvent{
		Event: godap.Event{ProtocolMessage: godap.ProtocolMessage{Seq: 1, Type: "event"}, Event: "stopped"},
		Body:  godap.StoppedEventBody{Reason: "breakpoint", ThreadId: 3},
	}
	framed, err := dap.Encode(ev)
	require.NoError(t, err)
	go fromAdapterW.Write(framed)

	select {
	case got := <-conn.Events:
		se, ok := got.(*godap.StoppedEvent)
		require.True(t, ok)
		require.Equal(t, 3, se.Body.ThreadId)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestReverseRequestIsAnswered(t *testing.T) {
	toAdapter, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()
	defer toAdapter.Close()
	defer toAdapterW.Close()
	defer fromAdapterR.Close()
	defer fromAdapterW.Close()

	handled := make(chan string, 1)
	conn := New(fromAdapterR, toAdapterW, Options{
		OnReverseRequest: func(_ context.Context, req godap.Message) (interface{}, error) {
			sd := req.(*godap.StartDebuggingRequest)
			handled <- sd.Command
			return nil, nil
		},
	})
	defer conn.Close()

	sd := &godap.StartDebuggingRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: 1, Type: "request"},
			Command:         "startDebugging",
		},
		Arguments: godap.StartDebuggingRequestArguments{
			Configuration: map[string]interface{}{"type": "node"},
			Request:       "launch",
		},
	}
	framed, err := dap.Encode(sd)
	require.NoError(t, err)
	go fromAdapterW.Write(framed)

	select {
	case cmd := <-handled:
		require.Equal(t, "startDebugging", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reverse request to be handled")
	}

	// Drain the response the conn sends back to the adapter so the
	// reader goroutine feeding toAdapter doesn't block the test.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := toAdapter.Read(buf); err != nil {
				return
			}
		}
	}()
}
