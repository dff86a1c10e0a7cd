package dap

import (
	"testing"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"
)

func TestEncodeTryParseRoundTrip(t *testing.T) {
	req := &godap.InitializeRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: 1, Type: "request"},
			Command:         "initialize",
		},
		Arguments: godap.InitializeRequestArguments{
			ClientID:   "test",
			AdapterID:  "debug",
			PathFormat: "path",
		},
	}

	framed, err := Encode(req)
	require.NoError(t, err)

	d := NewDecoder()
	d.Feed(framed)

	msg, ok, err := d.TryParse()
	require.NoError(t, err)
	require.True(t, ok)

	got, ok := msg.(*godap.InitializeRequest)
	require.True(t, ok, "expected *dap.InitializeRequest, got %T", msg)
	require.Equal(t, "test", got.Arguments.ClientID)
}

func TestEncodeNonASCIIBody(t *testing.T) {
	resp := &godap.EvaluateResponse{
		Response: godap.Response{
			ProtocolMessage: godap.ProtocolMessage{Seq: 2, Type: "response"},
			RequestSeq:      1,
			Success:         true,
			Command:         "evaluate",
		},
		Body: godap.EvaluateResponseBody{
			Result: "héllo wörld 日本語",
		},
	}

	framed, err := Encode(resp)
	require.NoError(t, err)

	d := NewDecoder()
	d.Feed(framed)
	msg, ok, err := d.TryParse()
	require.NoError(t, err)
	require.True(t, ok)

	got := msg.(*godap.EvaluateResponse)
	require.Equal(t, "héllo wörld 日本語", got.Body.Result)
}

// TestTryParseByteAtATime feeds the framed message one byte at a time
// to verify TryParse reports "need more data" until the full body has
// arrived, never panicking or misparsing a truncated buffer.
func TestTryParseByteAtATime(t *testing.T) {
	req := &godap.ContinueRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: 5, Type: "request"},
			Command:         "continue",
		},
		Arguments: godap.ContinueArguments{ThreadId: 7},
	}
	framed, err := Encode(req)
	require.NoError(t, err)

	d := NewDecoder()
	var got godap.Message
	for i := 0; i < len(framed); i++ {
		d.Feed(framed[i : i+1])
		msg, ok, err := d.TryParse()
		require.NoError(t, err)
		if ok {
			got = msg
			require.Equal(t, len(framed)-1, i, "message completed before last byte fed")
		}
	}
	require.NotNil(t, got)
	cr := got.(*godap.ContinueRequest)
	require.Equal(t, 7, cr.Arguments.ThreadId)
}

// TestTryParseMultipleMessagesInOneFeed verifies ParseAll drains every
// message buffered in a single read, as happens when a fast adapter
// writes several events back to back before the reader gets scheduled.
func TestTryParseMultipleMessagesInOneFeed(t *testing.T) {
	ev1 := &godap.OutputEvent{
		Event: godap.Event{ProtocolMessage: godap.ProtocolMessage{Seq: 10, Type: "event"}, Event: "output"},
		Body:  godap.OutputEventBody{Category: "stdout", Output: "first\n"},
	}
	ev2 := &godap.OutputEvent{
		Event: godap.Event{ProtocolMessage: godap.ProtocolMessage{Seq: 11, Type: "event"}, Event: "output"},
		Body:  godap.OutputEventBody{Category: "stdout", Output: "second\n"},
	}

	f1, err := Encode(ev1)
	require.NoError(t, err)
	f2, err := Encode(ev2)
	require.NoError(t, err)

	d := NewDecoder()
	d.Feed(f1)
	d.Feed(f2)

	msgs, err := d.ParseAll()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first\n", msgs[0].(*godap.OutputEvent).Body.Output)
	require.Equal(t, "second\n", msgs[1].(*godap.OutputEvent).Body.Output)
}

// TestMalformedHeaderResynchronizes verifies that a header block
// missing Content-Length (or with a non-numeric value) is discarded,
// parsing resynchronizes at the next Content-Length header, and the
// valid message that follows is decoded — it does not wedge the decoder.
func TestMalformedHeaderResynchronizes(t *testing.T) {
	goodReq := &godap.PauseRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: 3, Type: "request"},
			Command:         "pause",
		},
		Arguments: godap.PauseArguments{ThreadId: 1},
	}
	goodFramed, err := Encode(goodReq)
	require.NoError(t, err)

	garbage := []byte("Content-Length: notanumber\r\n\r\n" + `{"garbage":true}`)

	d := NewDecoder()
	d.Feed(garbage)
	d.Feed(goodFramed)

	msg, ok, err := d.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
	pr := msg.(*godap.PauseRequest)
	require.Equal(t, 1, pr.Arguments.ThreadId)
}

// TestMissingContentLengthHeaderResynchronizes covers a header block
// with an unrelated header but no Content-Length at all.
func TestMissingContentLengthHeaderResynchronizes(t *testing.T) {
	goodReq := &godap.NextRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: 4, Type: "request"},
			Command:         "next",
		},
		Arguments: godap.NextArguments{ThreadId: 9},
	}
	goodFramed, err := Encode(goodReq)
	require.NoError(t, err)

	garbage := []byte("X-Custom-Header: oops\r\n\r\n")

	d := NewDecoder()
	d.Feed(garbage)
	d.Feed(goodFramed)

	msg, ok, err := d.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 9, msg.(*godap.NextRequest).Arguments.ThreadId)
}

// TestCorruptBodyIsFatal verifies that a Content-Length header whose
// body is not valid JSON surfaces ErrCorruptStream rather than being
// silently skipped: at that point Content-Length and the real message
// boundary have diverged and further resynchronization isn't safe.
func TestCorruptBodyIsFatal(t *testing.T) {
	body := []byte("{not valid json")
	framed := append([]byte{}, []byte("Content-Length: "+itoa(len(body))+"\r\n\r\n")...)
	framed = append(framed, body...)

	d := NewDecoder()
	d.Feed(framed)

	_, _, err := d.TryParse()
	require.ErrorIs(t, err, ErrCorruptStream)
}

// TestNeedMoreDataIsNil verifies the "need more data" contract returns
// no error and ok=false, distinguishing it from ErrCorruptStream.
func TestNeedMoreDataIsNil(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("Content-Length: 10\r\n\r\n{\"a\":"))
	msg, ok, err := d.TryParse()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, msg)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
