package session

import (
	"context"
	"fmt"
	"sort"

	godap "github.com/google/go-dap"

	"github.com/caboose-desktop/debugctl/internal/core/log"
)

// SetBreakpointParams configures one breakpoint or tracepoint.
type SetBreakpointParams struct {
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
	Trace        bool   `json:"trace,omitempty"`
	DumpFile     string `json:"dumpFile,omitempty"`
	MaxDumps     int    `json:"maxDumps,omitempty"`
}

// BreakpointResult is the outcome of a breakpoint operation.
type BreakpointResult struct {
	Success    bool        `json:"success"`
	Breakpoint *Breakpoint `json:"breakpoint,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// SetBreakpoint registers a breakpoint. Before the session is ready
// it stays pending in the in-memory table; once an adapter is live
// the file's full breakpoint set is re-sent and the adapter's verdict
// recorded. A second call at the same (file, line) updates the
// existing record.
func (m *Manager) SetBreakpoint(ctx context.Context, sessionID string, params SetBreakpointParams) (BreakpointResult, error) {
	if err := m.limiter.Wait("breakpoint"); err != nil {
		return BreakpointResult{}, fmt.Errorf("session: breakpoint throttled: %w", err)
	}
	s, err := m.get(sessionID)
	if err != nil {
		return BreakpointResult{}, err
	}
	if params.Line <= 0 {
		return BreakpointResult{Success: false, Message: fmt.Sprintf("invalid line %d", params.Line)}, nil
	}

	file := NormalizePath(params.File)

	s.mu.Lock()
	var bp *Breakpoint
	for _, existing := range s.breakpoints[file] {
		if existing.Line == params.Line {
			bp = existing
			break
		}
	}
	if bp == nil {
		bp = &Breakpoint{File: file, Line: params.Line}
		s.breakpoints[file] = append(s.breakpoints[file], bp)
		sort.Slice(s.breakpoints[file], func(i, j int) bool {
			return s.breakpoints[file][i].Line < s.breakpoints[file][j].Line
		})
	}
	bp.Column = params.Column
	bp.Condition = params.Condition
	bp.HitCondition = params.HitCondition
	bp.LogMessage = params.LogMessage
	bp.Trace = params.Trace
	bp.DumpFile = params.DumpFile
	bp.MaxDumps = params.MaxDumps

	key := breakpointKey(file, params.Line)
	if bp.Trace || bp.DumpFile != "" {
		s.dumpBreakpoints[key] = bp
	} else {
		delete(s.dumpBreakpoints, key)
	}

	state := s.state
	s.mu.Unlock()

	m.metrics.BreakpointSet()

	if !state.active() {
		s.mu.Lock()
		bp.Verified = false
		bp.Message = "breakpoint pending until debugging starts"
		result := *bp
		s.mu.Unlock()
		return BreakpointResult{Success: true, Breakpoint: &result, Message: result.Message}, nil
	}

	if err := m.syncFileBreakpoints(ctx, s, file); err != nil {
		return BreakpointResult{Success: false, Message: err.Error()}, nil
	}

	s.mu.Lock()
	result := *bp
	s.mu.Unlock()
	return BreakpointResult{Success: true, Breakpoint: &result}, nil
}

// RemoveBreakpoint drops the breakpoint at (file, line) and re-sends
// the file's remaining set when an adapter is live.
func (m *Manager) RemoveBreakpoint(ctx context.Context, sessionID, file string, line int) (OpResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return OpResult{}, err
	}

	normalized := NormalizePath(file)

	s.mu.Lock()
	bps := s.breakpoints[normalized]
	idx := -1
	for i, bp := range bps {
		if bp.Line == line {
			idx = i
			break
		}
	}
	if idx < 0 {
		state := s.state
		s.mu.Unlock()
		return OpResult{Success: false, State: state, Message: fmt.Sprintf("no breakpoint at %s:%d", normalized, line)}, nil
	}
	s.breakpoints[normalized] = append(bps[:idx], bps[idx+1:]...)
	if len(s.breakpoints[normalized]) == 0 {
		delete(s.breakpoints, normalized)
	}
	delete(s.dumpBreakpoints, breakpointKey(normalized, line))
	state := s.state
	s.mu.Unlock()

	if state.active() {
		if err := m.syncFileBreakpoints(ctx, s, normalized); err != nil {
			return OpResult{Success: false, State: state, Message: err.Error()}, nil
		}
	}
	return OpResult{Success: true, State: state, Message: "breakpoint removed"}, nil
}

// ListBreakpoints returns all breakpoints across files, ordered by
// file then line.
func (m *Manager) ListBreakpoints(sessionID string) ([]Breakpoint, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]string, 0, len(s.breakpoints))
	for file := range s.breakpoints {
		files = append(files, file)
	}
	sort.Strings(files)

	var out []Breakpoint
	for _, file := range files {
		for _, bp := range s.breakpoints[file] {
			out = append(out, *bp)
		}
	}
	return out, nil
}

// SetExceptionBreakpoints enables exception filters (e.g. "raised",
// "uncaught"). A no-op success when the adapter advertises no
// exception filters.
func (m *Manager) SetExceptionBreakpoints(ctx context.Context, sessionID string, filters []string) (OpResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return OpResult{}, err
	}
	state := s.State()
	if !state.active() {
		return OpResult{Success: false, State: state, Message: fmt.Sprintf("cannot set exception breakpoints in state %q", state)}, nil
	}
	client := s.getClient()
	if client == nil {
		return OpResult{Success: false, State: state, Message: "no adapter attached"}, nil
	}
	if err := client.SetExceptionBreakpoints(ctx, filters); err != nil {
		return OpResult{Success: false, State: state, Message: err.Error()}, nil
	}
	return OpResult{Success: true, State: state}, nil
}

// syncFileBreakpoints pushes one file's full breakpoint set to the
// adapter (DAP replaces per file atomically) and folds the verified
// ids back into the table.
func (m *Manager) syncFileBreakpoints(ctx context.Context, s *Session, file string) error {
	client := s.getClient()
	if client == nil {
		return fmt.Errorf("session: no adapter attached")
	}

	s.mu.Lock()
	bps := s.breakpoints[file]
	wire := make([]godap.SourceBreakpoint, len(bps))
	for i, bp := range bps {
		wire[i] = godap.SourceBreakpoint{
			Line:         bp.Line,
			Column:       bp.Column,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		}
	}
	s.mu.Unlock()

	verified, err := client.SetBreakpoints(ctx, file, wire)
	if err != nil {
		return fmt.Errorf("session: setBreakpoints %s: %w", file, err)
	}

	s.mu.Lock()
	// Replies come back positionally matched to the request.
	bps = s.breakpoints[file]
	for i, v := range verified {
		if i >= len(bps) {
			break
		}
		bps[i].ID = v.Id
		bps[i].Verified = v.Verified
		bps[i].Message = v.Message
		if v.Line > 0 && v.Line != bps[i].Line {
			// Adapter moved the breakpoint to the nearest executable
			// line; keep our key but record where it landed.
			bps[i].Message = fmt.Sprintf("adjusted to line %d", v.Line)
		}
	}
	s.mu.Unlock()
	return nil
}

// replayBreakpoints re-sends every file's queued breakpoints once the
// session reaches ready.
func (m *Manager) replayBreakpoints(ctx context.Context, s *Session) error {
	s.mu.Lock()
	files := make([]string, 0, len(s.breakpoints))
	for file := range s.breakpoints {
		files = append(files, file)
	}
	s.mu.Unlock()

	var firstErr error
	for _, file := range files {
		if err := m.syncFileBreakpoints(ctx, s, file); err != nil {
			m.diags.Record(s.id, "session", log.LevelWarn, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
