// Package dapconn implements the request/response/event plumbing over
// a single DAP stream: sequence numbering, a pending-request table
// keyed by seq with per-request timeouts, event fan-out, and a hook
// for adapter-initiated reverse requests (e.g. runInTerminal,
// startDebugging).
package dapconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	godap "github.com/google/go-dap"

	"github.com/caboose-desktop/debugctl/internal/core/dap"
)

// DefaultRequestTimeout bounds a request whose caller did not supply
// its own context deadline.
const DefaultRequestTimeout = 30 * time.Second

// ErrClosed is returned by SendRequest when the connection closes
// while a response is outstanding (adapter exit, stream error).
var ErrClosed = errors.New("dapconn: connection closed")

// ErrTimedOut is returned when a request's timeout elapses before the
// adapter responds.
var ErrTimedOut = errors.New("dapconn: request timed out")

// ReverseRequestHandler answers an adapter-initiated reverse request
// (runInTerminal, startDebugging) and returns the response body to
// send back, or an error to report as a failed response.
type ReverseRequestHandler func(ctx context.Context, req godap.Message) (body interface{}, err error)

// Conn is a single bidirectional DAP stream: one adapter process or
// TCP connection. It owns exactly one reader goroutine and dispatches
// every decoded message to either the pending-request table (for
// responses), the Events channel (for events), or the reverse-request
// handler (for requests originating from the adapter).
type Conn struct {
	w  io.Writer
	wm sync.Mutex

	seq int64

	pendingMu sync.Mutex
	pending   map[int]chan godap.ResponseMessage

	// Events receives every event message the adapter emits. Closed
	// when the reader goroutine exits. Buffered so a slow consumer
	// doesn't stall the reader; callers drain it promptly.
	Events chan godap.Message

	defaultTimeout   time.Duration
	onReverseRequest ReverseRequestHandler

	closeOnce  sync.Once
	closed     chan struct{}
	eventsOnce sync.Once
	closeErr   error

	log *slog.Logger
}

// Options configures a new Conn.
type Options struct {
	// OnReverseRequest handles requests sent by the adapter to the
	// client (runInTerminal, startDebugging). May be nil if the
	// adapter never issues reverse requests.
	OnReverseRequest ReverseRequestHandler
	// DefaultTimeout applies to SendRequest calls whose context has no
	// deadline of its own. Zero means DefaultRequestTimeout.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// New wraps a reader/writer pair (typically a net.Conn or a process's
// stdio pipes) in a Conn and starts its reader goroutine. The reader
// runs until r returns an error (including io.EOF) or Close is called
// and the underlying stream is torn down by its owner.
func New(r io.Reader, w io.Writer, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Conn{
		w:                w,
		pending:          make(map[int]chan godap.ResponseMessage),
		Events:           make(chan godap.Message, 64),
		defaultTimeout:   timeout,
		onReverseRequest: opts.OnReverseRequest,
		closed:           make(chan struct{}),
		log:              logger,
	}
	go c.readLoop(r)
	return c
}

// NextSeq returns the next outgoing sequence number.
func (c *Conn) NextSeq() int {
	return int(atomic.AddInt64(&c.seq, 1))
}

// Send writes msg to the stream without waiting for a response. Used
// for events and for responses to reverse requests.
func (c *Conn) Send(msg godap.Message) error {
	framed, err := dap.Encode(msg)
	if err != nil {
		return err
	}
	c.wm.Lock()
	defer c.wm.Unlock()
	_, err = c.w.Write(framed)
	return err
}

// SendRequest sends req (which must already carry its Seq from
// NextSeq) and blocks until the matching response arrives, the
// timeout elapses, or the connection closes. If ctx carries no
// deadline the connection's default timeout applies. The returned
// value is whatever concrete type go-dap decoded the response into
// (e.g. *dap.StackTraceResponse) so callers can read
// command-specific Body fields. A non-Success response is returned
// as an error carrying the adapter's message, alongside the typed
// response for inspection.
func (c *Conn) SendRequest(ctx context.Context, req godap.Message, seq int) (godap.ResponseMessage, error) {
	command := "?"
	if r, ok := req.(godap.RequestMessage); ok {
		command = r.GetRequest().Command
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}
	start := time.Now()

	ch := make(chan godap.ResponseMessage, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(req); err != nil {
		return nil, fmt.Errorf("dapconn: send %q: %w", command, err)
	}

	select {
	case resp := <-ch:
		base := resp.GetResponse()
		if !base.Success {
			msg := base.Message
			if msg == "" {
				msg = fmt.Sprintf("Request '%s' failed", command)
			}
			return resp, fmt.Errorf("dapconn: %s", msg)
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %q (seq=%d) timed out after %dms: %w", ErrTimedOut, command, seq, time.Since(start).Milliseconds(), ctx.Err())
		}
		return nil, fmt.Errorf("dapconn: request %q (seq=%d): %w", command, seq, ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("%w while awaiting response to %q (seq=%d)", ErrClosed, command, seq)
	}
}

// Closed is closed once the connection is torn down; callers use it
// to observe adapter exit.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Close unblocks in-flight SendRequest calls and marks the connection
// dead. The underlying stream is owned by the caller and must be
// closed separately; that is what unblocks the reader goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return c.closeErr
}

func (c *Conn) readLoop(r io.Reader) {
	defer c.eventsOnce.Do(func() { close(c.Events) })
	defer c.Close()

	dec := dap.NewDecoder()
	buf := make([]byte, 4096)
	for {
		msgs, err := dec.ParseAll()
		for _, m := range msgs {
			c.dispatch(m)
		}
		if err != nil {
			c.log.Error("dap stream decode error", "error", err)
			c.closeErr = err
			return
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if rerr != nil {
			if rerr != io.EOF {
				c.log.Error("dap stream read error", "error", rerr)
				c.closeErr = rerr
			}
			// Drain whatever completed before the error surfaced.
			final, _ := dec.ParseAll()
			for _, m := range final {
				c.dispatch(m)
			}
			return
		}
	}
}

func (c *Conn) dispatch(msg godap.Message) {
	switch m := msg.(type) {
	case godap.ResponseMessage:
		// Hand over the full typed response (e.g. *dap.StackTraceResponse)
		// so SendRequest's caller can read its command-specific Body
		// rather than just the embedded *dap.Response.
		base := m.GetResponse()
		c.pendingMu.Lock()
		ch, ok := c.pending[base.RequestSeq]
		c.pendingMu.Unlock()
		if ok {
			ch <- m
		} else {
			// Stale response (the request timed out or was never ours).
			c.log.Warn("dap response with no waiting request", "request_seq", base.RequestSeq, "command", base.Command)
		}

	case godap.RequestMessage:
		if c.onReverseRequest == nil {
			c.log.Warn("dap reverse request with no handler", "command", m.GetRequest().Command)
			c.respondToReverse(m, nil, errors.New("reverse requests are not supported"))
			return
		}
		go func() {
			body, err := c.onReverseRequest(context.Background(), m)
			c.respondToReverse(m, body, err)
		}()

	case godap.EventMessage:
		select {
		case c.Events <- msg:
		case <-c.closed:
		}

	default:
		c.log.Warn("dap message of unknown shape", "type", fmt.Sprintf("%T", msg))
	}
}

// respondToReverse replies to an adapter-initiated request. DAP
// requires a response for every request, including rejected ones,
// echoing the command and request_seq.
func (c *Conn) respondToReverse(req godap.RequestMessage, body interface{}, err error) {
	base := req.GetRequest()
	var resp godap.Message
	if err != nil {
		resp = &godap.ErrorResponse{
			Response: godap.Response{
				ProtocolMessage: godap.ProtocolMessage{Seq: c.NextSeq(), Type: "response"},
				RequestSeq:      base.Seq,
				Success:         false,
				Command:         base.Command,
				Message:         err.Error(),
			},
		}
	} else {
		switch b := body.(type) {
		case godap.RunInTerminalResponseBody:
			resp = &godap.RunInTerminalResponse{
				Response: godap.Response{
					ProtocolMessage: godap.ProtocolMessage{Seq: c.NextSeq(), Type: "response"},
					RequestSeq:      base.Seq,
					Success:         true,
					Command:         base.Command,
				},
				Body: b,
			}
		default:
			resp = &godap.Response{
				ProtocolMessage: godap.ProtocolMessage{Seq: c.NextSeq(), Type: "response"},
				RequestSeq:      base.Seq,
				Success:         true,
				Command:         base.Command,
			}
		}
	}
	if sendErr := c.Send(resp); sendErr != nil {
		c.log.Error("failed to send reverse-request response", "command", base.Command, "error", sendErr)
	}
}
