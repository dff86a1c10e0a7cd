// Package dapclient implements the DAP client role: spawning or
// dialing an adapter, performing the initialize/launch/attach
// handshake, issuing debug commands, and routing adapter-initiated
// startDebugging requests to child sessions for multi-target
// debugging (vscode-js-debug's child-process model).
package dapclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	godap "github.com/google/go-dap"

	"github.com/caboose-desktop/debugctl/internal/core/dapconn"
)

// Handlers receives adapter-originated events. Any field left nil is
// simply not delivered; callers wire only what they need.
type Handlers struct {
	OnInitialized func()
	OnStopped     func(*godap.StoppedEvent)
	OnContinued   func(*godap.ContinuedEvent)
	OnOutput      func(*godap.OutputEvent)
	OnThread      func(*godap.ThreadEvent)
	OnExited      func(*godap.ExitedEvent)
	OnTerminated  func(*godap.TerminatedEvent)
	OnBreakpoint  func(*godap.BreakpointEvent)
	// OnChildSession fires after a startDebugging reverse request has
	// been claimed: the child connection is up, handshaken, and is now
	// the active target for thread/frame-scoped requests.
	OnChildSession func(targetID string)
	// OnAdapterExit fires once when the primary connection closes
	// (adapter process exit or stream teardown).
	OnAdapterExit func()
}

// Config describes how to bring up a Client.
type Config struct {
	Transport   TransportMode
	Process     ProcessConfig // used by TransportStdio/TransportSocket
	Address     string        // used by TransportDial
	DialTimeout time.Duration

	ClientID   string
	ClientName string
	AdapterID  string

	Handlers Handlers
	Logger   *slog.Logger
}

// Client is a single debug session's connection to its adapter: the
// adapter process (if spawned), the primary DAP connection, and any
// child-target connections claimed via startDebugging.
type Client struct {
	cfg  Config
	tr   *transport
	conn *dapconn.Conn
	log  *slog.Logger

	capabilities godap.Capabilities

	router router

	launchDone chan struct{} // closed once the launch response (sync or deferred) is observed
	launchErr  error
}

// Connect brings up the transport and starts dispatching events, but
// does not yet send initialize. Callers drive the handshake explicitly
// (Initialize, then Launch/Attach, then ConfigurationDone) so the
// session layer can interleave setBreakpoints between them per the
// DAP handshake contract.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	if cfg.Process.OnOutputLine == nil && cfg.Handlers.OnOutput != nil {
		onOutput := cfg.Handlers.OnOutput
		cfg.Process.OnOutputLine = func(line string) {
			onOutput(&godap.OutputEvent{
				Event: godap.Event{ProtocolMessage: godap.ProtocolMessage{Type: "event"}, Event: "output"},
				Body:  godap.OutputEventBody{Category: "stderr", Output: line + "\n"},
			})
		}
	}

	var tr *transport
	var err error
	switch cfg.Transport {
	case TransportStdio:
		tr, err = newStdioTransport(ctx, cfg.Process)
	case TransportSocket:
		tr, err = newSocketTransport(ctx, cfg.Process, cfg.DialTimeout)
	case TransportDial:
		tr, err = newDialTransport(ctx, cfg.Address, cfg.DialTimeout)
	default:
		return nil, fmt.Errorf("dapclient: unknown transport mode %d", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, tr: tr, log: logger, launchDone: make(chan struct{})}
	c.conn = dapconn.New(tr.r, tr.w, dapconn.Options{
		Logger:           logger,
		OnReverseRequest: c.handleReverseRequest,
	})
	go c.dispatchEvents(c.conn, true)
	return c, nil
}

// dispatchEvents forwards events from one connection (primary or
// child) into the shared handler set, so child-target events surface
// identically to primary ones.
func (c *Client) dispatchEvents(conn *dapconn.Conn, primary bool) {
	for msg := range conn.Events {
		switch ev := msg.(type) {
		case *godap.InitializedEvent:
			if c.cfg.Handlers.OnInitialized != nil {
				c.cfg.Handlers.OnInitialized()
			}
		case *godap.StoppedEvent:
			if c.cfg.Handlers.OnStopped != nil {
				c.cfg.Handlers.OnStopped(ev)
			}
		case *godap.ContinuedEvent:
			if c.cfg.Handlers.OnContinued != nil {
				c.cfg.Handlers.OnContinued(ev)
			}
		case *godap.OutputEvent:
			if c.cfg.Handlers.OnOutput != nil {
				c.cfg.Handlers.OnOutput(ev)
			}
		case *godap.ThreadEvent:
			if c.cfg.Handlers.OnThread != nil {
				c.cfg.Handlers.OnThread(ev)
			}
		case *godap.ExitedEvent:
			if c.cfg.Handlers.OnExited != nil {
				c.cfg.Handlers.OnExited(ev)
			}
		case *godap.TerminatedEvent:
			if c.cfg.Handlers.OnTerminated != nil {
				c.cfg.Handlers.OnTerminated(ev)
			}
		case *godap.BreakpointEvent:
			if c.cfg.Handlers.OnBreakpoint != nil {
				c.cfg.Handlers.OnBreakpoint(ev)
			}
		default:
			c.log.Debug("unhandled dap event", "type", fmt.Sprintf("%T", msg))
		}
	}
	if primary {
		// Primary stream gone: the adapter exited or the socket died.
		// Children ride on the same adapter, so tear them down too.
		c.router.closeAll()
		if c.cfg.Handlers.OnAdapterExit != nil {
			c.cfg.Handlers.OnAdapterExit()
		}
	}
}

func (c *Client) handleReverseRequest(ctx context.Context, req godap.Message) (interface{}, error) {
	switch r := req.(type) {
	case *godap.StartDebuggingRequest:
		return nil, c.claimChildTarget(ctx, r.Arguments.Configuration)
	case *godap.RunInTerminalRequest:
		// The adapter wants the client to spawn a terminal for the
		// debuggee. This orchestrator launches debuggees
		// non-interactively only.
		return nil, fmt.Errorf("dapclient: runInTerminal is not supported")
	default:
		return nil, fmt.Errorf("dapclient: unsupported reverse request %q", reverseCommand(req))
	}
}

func reverseCommand(req godap.Message) string {
	if r, ok := req.(godap.RequestMessage); ok {
		return r.GetRequest().Command
	}
	return fmt.Sprintf("%T", req)
}

// routed returns the connection that thread/frame-scoped requests
// should use: the active child session if one exists, otherwise the
// primary connection.
func (c *Client) routed() *dapconn.Conn {
	if child := c.router.active(); child != nil {
		return child.conn
	}
	return c.conn
}

func (c *Client) request(ctx context.Context, conn *dapconn.Conn, req godap.Message, seq int) (godap.ResponseMessage, error) {
	return conn.SendRequest(ctx, req, seq)
}

// Initialize performs the initialize handshake on the primary
// connection and stores the adapter's reported capabilities.
func (c *Client) Initialize(ctx context.Context) (godap.Capabilities, error) {
	resp, err := initializeConn(ctx, c.conn, c.cfg.ClientID, c.cfg.ClientName, c.cfg.AdapterID)
	if err != nil {
		return godap.Capabilities{}, err
	}
	c.capabilities = resp.Body
	return resp.Body, nil
}

// initializeConn runs the initialize request on any connection
// (primary or child); child sessions repeat the handshake on their own
// stream.
func initializeConn(ctx context.Context, conn *dapconn.Conn, clientID, clientName, adapterID string) (*godap.InitializeResponse, error) {
	seq := conn.NextSeq()
	req := &godap.InitializeRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "initialize",
		},
		Arguments: godap.InitializeRequestArguments{
			ClientID:                      clientID,
			ClientName:                    clientName,
			AdapterID:                     adapterID,
			PathFormat:                    "path",
			LinesStartAt1:                 true,
			ColumnsStartAt1:               true,
			SupportsVariableType:          true,
			SupportsRunInTerminalRequest:  false,
			SupportsStartDebuggingRequest: true,
		},
	}
	resp, err := conn.SendRequest(ctx, req, seq)
	if err != nil {
		return nil, err
	}
	initResp, ok := resp.(*godap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.InitializeResponse, got %T", resp)
	}
	return initResp, nil
}

// Capabilities returns the capabilities negotiated during Initialize.
// Zero value before Initialize has completed.
func (c *Client) Capabilities() godap.Capabilities {
	return c.capabilities
}

// Launch sends a launch request. If async is true, Launch returns as
// soon as the request is written, without waiting for the response —
// some adapters (notably debugpy) defer the launch response until
// after configurationDone, and blocking here would deadlock the
// handshake. Call WaitForLaunch to observe the eventual result.
func (c *Client) Launch(ctx context.Context, args map[string]interface{}, async bool) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("dapclient: marshal launch args: %w", err)
	}
	seq := c.conn.NextSeq()
	req := &godap.LaunchRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "launch"},
		Arguments: argsJSON,
	}

	if !async {
		_, err := c.request(ctx, c.conn, req, seq)
		return err
	}

	go func() {
		// Effectively unbounded: the response legitimately arrives
		// only after configurationDone, and WaitForLaunch bounds the
		// caller's patience instead.
		waitCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		_, err := c.request(waitCtx, c.conn, req, seq)
		c.launchErr = err
		close(c.launchDone)
	}()
	return nil
}

// WaitForLaunch blocks until an async Launch's response has been
// observed, or ctx is done. A ctx timeout is not an error condition
// for the session: late launch responses are acceptable, so callers
// treat the returned context error as "keep going".
func (c *Client) WaitForLaunch(ctx context.Context) error {
	select {
	case <-c.launchDone:
		return c.launchErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach sends an attach request on the primary connection.
func (c *Client) Attach(ctx context.Context, args map[string]interface{}) error {
	return attachConn(ctx, c.conn, args)
}

func attachConn(ctx context.Context, conn *dapconn.Conn, args map[string]interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("dapclient: marshal attach args: %w", err)
	}
	seq := conn.NextSeq()
	req := &godap.AttachRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "attach"},
		Arguments: argsJSON,
	}
	_, err = conn.SendRequest(ctx, req, seq)
	return err
}

// ConfigurationDone signals the adapter that the client has finished
// its initial breakpoint setup. No-op if the adapter does not
// advertise supportsConfigurationDoneRequest.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	if !c.capabilities.SupportsConfigurationDoneRequest {
		return nil
	}
	return configurationDoneConn(ctx, c.conn)
}

func configurationDoneConn(ctx context.Context, conn *dapconn.Conn) error {
	seq := conn.NextSeq()
	req := &godap.ConfigurationDoneRequest{
		Request: godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "configurationDone"},
	}
	_, err := conn.SendRequest(ctx, req, seq)
	return err
}

// SetBreakpoints replaces all breakpoints for sourcePath in a single
// call (DAP semantics: setBreakpoints is a full replace, not an add)
// and returns the adapter's verified breakpoint records.
func (c *Client) SetBreakpoints(ctx context.Context, sourcePath string, breakpoints []godap.SourceBreakpoint) ([]godap.Breakpoint, error) {
	seq := c.conn.NextSeq()
	req := &godap.SetBreakpointsRequest{
		Request: godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "setBreakpoints"},
		Arguments: godap.SetBreakpointsArguments{
			Source:      godap.Source{Path: sourcePath},
			Breakpoints: breakpoints,
		},
	}
	resp, err := c.request(ctx, c.conn, req, seq)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*godap.SetBreakpointsResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.SetBreakpointsResponse, got %T", resp)
	}
	return typed.Body.Breakpoints, nil
}

// SetFunctionBreakpoints replaces all function breakpoints. No-op if
// the adapter does not support them.
func (c *Client) SetFunctionBreakpoints(ctx context.Context, names []string) ([]godap.Breakpoint, error) {
	if !c.capabilities.SupportsFunctionBreakpoints {
		return nil, nil
	}
	bps := make([]godap.FunctionBreakpoint, len(names))
	for i, n := range names {
		bps[i] = godap.FunctionBreakpoint{Name: n}
	}
	seq := c.conn.NextSeq()
	req := &godap.SetFunctionBreakpointsRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "setFunctionBreakpoints"},
		Arguments: godap.SetFunctionBreakpointsArguments{Breakpoints: bps},
	}
	resp, err := c.request(ctx, c.conn, req, seq)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*godap.SetFunctionBreakpointsResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.SetFunctionBreakpointsResponse, got %T", resp)
	}
	return typed.Body.Breakpoints, nil
}

// SetExceptionBreakpoints enables exception breakpoints by filter id
// (e.g. "raised"/"uncaught" for debugpy). No-op if the adapter
// advertises no exception filters at all.
func (c *Client) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	if len(c.capabilities.ExceptionBreakpointFilters) == 0 {
		return nil
	}
	seq := c.conn.NextSeq()
	req := &godap.SetExceptionBreakpointsRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "setExceptionBreakpoints"},
		Arguments: godap.SetExceptionBreakpointsArguments{Filters: filters},
	}
	_, err := c.request(ctx, c.conn, req, seq)
	return err
}

// threadReq issues one of the thread-scoped execution-control
// commands. These route to the active child session when one exists.
func (c *Client) threadReq(ctx context.Context, command string, threadID int) error {
	conn := c.routed()
	seq := conn.NextSeq()
	base := godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: command}
	var req godap.Message
	switch command {
	case "continue":
		req = &godap.ContinueRequest{Request: base, Arguments: godap.ContinueArguments{ThreadId: threadID}}
	case "next":
		req = &godap.NextRequest{Request: base, Arguments: godap.NextArguments{ThreadId: threadID}}
	case "stepIn":
		req = &godap.StepInRequest{Request: base, Arguments: godap.StepInArguments{ThreadId: threadID}}
	case "stepOut":
		req = &godap.StepOutRequest{Request: base, Arguments: godap.StepOutArguments{ThreadId: threadID}}
	case "pause":
		req = &godap.PauseRequest{Request: base, Arguments: godap.PauseArguments{ThreadId: threadID}}
	default:
		return fmt.Errorf("dapclient: unknown thread command %q", command)
	}
	_, err := c.request(ctx, conn, req, seq)
	return err
}

func (c *Client) Continue(ctx context.Context, threadID int) error {
	return c.threadReq(ctx, "continue", threadID)
}
func (c *Client) Next(ctx context.Context, threadID int) error { return c.threadReq(ctx, "next", threadID) }
func (c *Client) StepIn(ctx context.Context, threadID int) error {
	return c.threadReq(ctx, "stepIn", threadID)
}
func (c *Client) StepOut(ctx context.Context, threadID int) error {
	return c.threadReq(ctx, "stepOut", threadID)
}
func (c *Client) Pause(ctx context.Context, threadID int) error {
	return c.threadReq(ctx, "pause", threadID)
}

// Threads returns all threads known to the adapter (routed to the
// active child session when one exists).
func (c *Client) Threads(ctx context.Context) ([]godap.Thread, error) {
	conn := c.routed()
	seq := conn.NextSeq()
	req := &godap.ThreadsRequest{Request: godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "threads"}}
	resp, err := c.request(ctx, conn, req, seq)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*godap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.ThreadsResponse, got %T", resp)
	}
	return typed.Body.Threads, nil
}

// StackTrace returns frames for threadID.
func (c *Client) StackTrace(ctx context.Context, threadID int) ([]godap.StackFrame, error) {
	conn := c.routed()
	seq := conn.NextSeq()
	req := &godap.StackTraceRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "stackTrace"},
		Arguments: godap.StackTraceArguments{ThreadId: threadID},
	}
	resp, err := c.request(ctx, conn, req, seq)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*godap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.StackTraceResponse, got %T", resp)
	}
	return typed.Body.StackFrames, nil
}

// Scopes returns scopes for a stack frame.
func (c *Client) Scopes(ctx context.Context, frameID int) ([]godap.Scope, error) {
	conn := c.routed()
	seq := conn.NextSeq()
	req := &godap.ScopesRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "scopes"},
		Arguments: godap.ScopesArguments{FrameId: frameID},
	}
	resp, err := c.request(ctx, conn, req, seq)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*godap.ScopesResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.ScopesResponse, got %T", resp)
	}
	return typed.Body.Scopes, nil
}

// Variables returns the children of a variablesReference.
func (c *Client) Variables(ctx context.Context, variablesRef int) ([]godap.Variable, error) {
	conn := c.routed()
	seq := conn.NextSeq()
	req := &godap.VariablesRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "variables"},
		Arguments: godap.VariablesArguments{VariablesReference: variablesRef},
	}
	resp, err := c.request(ctx, conn, req, seq)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*godap.VariablesResponse)
	if !ok {
		return nil, fmt.Errorf("dapclient: expected *dap.VariablesResponse, got %T", resp)
	}
	return typed.Body.Variables, nil
}

// Evaluate evaluates an expression in the given frame context.
func (c *Client) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (godap.EvaluateResponseBody, error) {
	if evalContext == "" {
		evalContext = "repl"
	}
	conn := c.routed()
	seq := conn.NextSeq()
	req := &godap.EvaluateRequest{
		Request: godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "evaluate"},
		Arguments: godap.EvaluateArguments{
			Expression: expression,
			FrameId:    frameID,
			Context:    evalContext,
		},
	}
	resp, err := c.request(ctx, conn, req, seq)
	if err != nil {
		return godap.EvaluateResponseBody{}, err
	}
	typed, ok := resp.(*godap.EvaluateResponse)
	if !ok {
		return godap.EvaluateResponseBody{}, fmt.Errorf("dapclient: expected *dap.EvaluateResponse, got %T", resp)
	}
	return typed.Body, nil
}

// Terminate asks the adapter to gracefully end the debuggee. No-op if
// the adapter does not advertise supportsTerminateRequest.
func (c *Client) Terminate(ctx context.Context) error {
	if !c.capabilities.SupportsTerminateRequest {
		return nil
	}
	seq := c.conn.NextSeq()
	req := &godap.TerminateRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "terminate"},
		Arguments: &godap.TerminateArguments{},
	}
	_, err := c.request(ctx, c.conn, req, seq)
	return err
}

// Disconnect asks the adapter to end the debug session, optionally
// terminating the debuggee.
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	seq := c.conn.NextSeq()
	req := &godap.DisconnectRequest{
		Request:   godap.Request{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"}, Command: "disconnect"},
		Arguments: &godap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	}
	_, err := c.request(ctx, c.conn, req, seq)
	return err
}

// AdapterExited is closed when the primary connection dies.
func (c *Client) AdapterExited() <-chan struct{} {
	return c.conn.Closed()
}

// Close tears down all child connections, the primary connection, and
// the adapter process. It does not send disconnect first; callers
// that want a clean protocol shutdown call Disconnect before Close.
func (c *Client) Close() error {
	c.router.closeAll()
	_ = c.conn.Close()
	return c.tr.Close()
}
