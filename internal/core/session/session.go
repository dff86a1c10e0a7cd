package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	godap "github.com/google/go-dap"

	"github.com/caboose-desktop/debugctl/internal/core/adapter"
	"github.com/caboose-desktop/debugctl/internal/core/dapclient"
)

// Session is one independent debug conversation: an adapter process,
// its DAP client, the breakpoint table, and the cached stop context.
// All mutation happens under mu; event handlers and API calls
// serialize through it.
type Session struct {
	mu sync.Mutex

	id       string
	name     string
	language string
	state    State

	scriptPath string
	workDir    string
	createdAt  time.Time

	stoppedReason string
	stoppedThread int
	pausedSince   time.Time
	exitCode      *int
	errMessage    string

	client *dapclient.Client
	plugin adapter.Language

	capabilities godap.Capabilities

	// breakpoints is the authoritative desired state: absolute file
	// path to the ordered breakpoints in that file. The adapter's
	// replies update ids and verified flags in place.
	breakpoints map[string][]*Breakpoint

	// dumpBreakpoints registers tracepoint behavior, keyed
	// "file:line".
	dumpBreakpoints map[string]*Breakpoint

	currentThreadID int
	currentFrameID  int

	lastStop *StopContext

	// traces is the bounded tracepoint ring; oldest entries drop when
	// the cap is exceeded.
	traces   []TracePoint
	traceCap int

	// initialized is re-armed per start attempt and closed when the
	// adapter's initialized event arrives.
	initialized chan struct{}

	// pauseWaiters resolve on the next surfaced stopped event.
	pauseWaiters []chan struct{}
}

func (s *Session) setClient(c *dapclient.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

func (s *Session) getClient() *dapclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Info snapshots the external projection.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.id,
		Name:          s.name,
		Language:      s.language,
		State:         s.state,
		ScriptPath:    s.scriptPath,
		WorkDir:       s.workDir,
		CreatedAt:     s.createdAt,
		StoppedReason: s.stoppedReason,
		StoppedThread: s.stoppedThread,
		ExitCode:      s.exitCode,
		Error:         s.errMessage,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns what the adapter advertised during initialize,
// so callers can check support for conditional breakpoints or log
// points before relying on them.
func (s *Session) Capabilities() godap.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// NormalizePath converts a breakpoint path to the session's canonical
// form: absolute and cleaned. Symlinks are not resolved; adapters
// report the paths they were launched with.
func NormalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func breakpointKey(file string, line int) string {
	return fmt.Sprintf("%s:%d", file, line)
}

// notifyPauseWaitersLocked resolves everyone blocked in waitForPause. Caller
// holds s.mu.
func (s *Session) notifyPauseWaitersLocked() {
	for _, ch := range s.pauseWaiters {
		close(ch)
	}
	s.pauseWaiters = nil
}

// appendTraceLocked appends to the bounded trace ring, dropping the oldest
// entry beyond the cap. Caller holds s.mu.
func (s *Session) appendTraceLocked(tp TracePoint) {
	s.traces = append(s.traces, tp)
	if s.traceCap > 0 && len(s.traces) > s.traceCap {
		s.traces = s.traces[len(s.traces)-s.traceCap:]
	}
}
