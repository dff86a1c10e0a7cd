package dapclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// TransportMode selects how a Client talks to its adapter.
type TransportMode int

const (
	// TransportStdio frames DAP messages directly over the adapter
	// process's stdin/stdout.
	TransportStdio TransportMode = iota
	// TransportSocket spawns the adapter, waits for it to announce a
	// TCP port (scraped from its stdout and stderr via
	// ProcessConfig.PortRegexp),
	// then dials that port. This is how vscode-js-debug and debugpy's
	// --listen mode operate, and is required for multi-session
	// routing since child sessions get their own connection.
	TransportSocket
	// TransportDial skips process spawning entirely and dials an
	// address of an already-running adapter (used for attaching to a
	// server-mode adapter started out of band). The reverse
	// "startDebugging" child connections do not go through a
	// transport; the router dials them itself.
	TransportDial
)

// transport bundles the stream used for framing plus whatever needs
// closing when the session ends.
type transport struct {
	r io.Reader
	w io.Writer

	proc *adapterProcess // nil for TransportDial
	conn net.Conn        // non-nil for TransportSocket/TransportDial

	// remoteAddr is the adapter's TCP address, kept so child-session
	// connections (startDebugging) can dial the same endpoint. Empty
	// for stdio transports.
	remoteAddr string
}

func (t *transport) Close() error {
	var firstErr error
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			firstErr = err
		}
	}
	if t.proc != nil {
		if err := t.proc.stop(5 * time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newStdioTransport(ctx context.Context, cfg ProcessConfig) (*transport, error) {
	proc := newAdapterProcess(cfg)
	if err := proc.start(ctx); err != nil {
		return nil, err
	}
	if proc.stderr != nil {
		// stdout carries DAP frames in this mode; stderr is pure
		// diagnostics and gets forwarded line by line.
		go proc.forwardLines(proc.stderr)
	}
	return &transport{r: proc.stdout, w: proc.stdin, proc: proc}, nil
}

func newSocketTransport(ctx context.Context, cfg ProcessConfig, dialTimeout time.Duration) (*transport, error) {
	proc := newAdapterProcess(cfg)
	if err := proc.start(ctx); err != nil {
		return nil, err
	}

	port, err := proc.scanForPort(ctx)
	if err != nil {
		_ = proc.stop(time.Second)
		return nil, fmt.Errorf("dapclient: waiting for adapter port: %w", err)
	}

	addr := net.JoinHostPort("127.0.0.1", port)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = proc.stop(time.Second)
		return nil, fmt.Errorf("dapclient: dial adapter at %s: %w", addr, err)
	}

	return &transport{r: conn, w: conn, proc: proc, conn: conn, remoteAddr: addr}, nil
}

func newDialTransport(ctx context.Context, address string, dialTimeout time.Duration) (*transport, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dapclient: dial %s: %w", address, err)
	}
	return &transport{r: conn, w: conn, conn: conn, remoteAddr: address}, nil
}
