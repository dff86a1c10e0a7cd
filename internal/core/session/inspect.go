package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/caboose-desktop/debugctl/internal/core/dapclient"
)

// inspectable validates that a session can answer inspection calls
// and returns its client.
func (m *Manager) inspectable(sessionID string) (*Session, *dapclient.Client, error) {
	if err := m.limiter.Wait("inspection"); err != nil {
		return nil, nil, fmt.Errorf("session: inspection throttled: %w", err)
	}
	s, err := m.get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	state := s.State()
	if !state.active() {
		return nil, nil, fmt.Errorf("session: cannot inspect in state %q", state)
	}
	client := s.getClient()
	if client == nil {
		return nil, nil, fmt.Errorf("session: no adapter attached")
	}
	return s, client, nil
}

// GetStackTrace returns the frames of a thread and refreshes the
// current frame pointer.
func (m *Manager) GetStackTrace(ctx context.Context, sessionID string, threadID int) ([]StackFrame, error) {
	s, client, err := m.inspectable(sessionID)
	if err != nil {
		return nil, err
	}
	frames, err := client.StackTrace(ctx, s.threadOrCurrent(threadID))
	if err != nil {
		return nil, err
	}
	out := make([]StackFrame, len(frames))
	for i, f := range frames {
		out[i] = shapeFrame(f)
	}
	if len(out) > 0 {
		s.mu.Lock()
		s.currentFrameID = out[0].ID
		s.mu.Unlock()
	}
	return out, nil
}

// GetScopes returns the scopes of a frame (the current frame when
// frameID is zero).
func (m *Manager) GetScopes(ctx context.Context, sessionID string, frameID int) ([]Scope, error) {
	s, client, err := m.inspectable(sessionID)
	if err != nil {
		return nil, err
	}
	if frameID == 0 {
		s.mu.Lock()
		frameID = s.currentFrameID
		s.mu.Unlock()
	}
	scopes, err := client.Scopes(ctx, frameID)
	if err != nil {
		return nil, err
	}
	out := make([]Scope, len(scopes))
	for i, sc := range scopes {
		out[i] = shapeScope(sc)
	}
	return out, nil
}

// GetVariables returns the variables of the frame's scopes whose
// names contain scopeFilter (case-insensitive; "local", "global",
// "closure"), concatenated in scope order. An empty filter selects
// every scope; a filter no scope matches yields an empty list, since
// adapters disagree about which scopes exist.
func (m *Manager) GetVariables(ctx context.Context, sessionID string, frameID int, scopeFilter string) ([]Variable, error) {
	s, client, err := m.inspectable(sessionID)
	if err != nil {
		return nil, err
	}
	if frameID == 0 {
		s.mu.Lock()
		frameID = s.currentFrameID
		s.mu.Unlock()
	}
	scopes, err := client.Scopes(ctx, frameID)
	if err != nil {
		return nil, err
	}

	filter := strings.ToLower(scopeFilter)
	out := []Variable{}
	for _, scope := range scopes {
		if filter != "" && !strings.Contains(strings.ToLower(scope.Name), filter) {
			continue
		}
		vars, err := client.Variables(ctx, scope.VariablesReference)
		if err != nil {
			return nil, err
		}
		out = append(out, shapeVariables(vars)...)
	}
	return out, nil
}

// ExpandVariable returns the children of a structured variable.
func (m *Manager) ExpandVariable(ctx context.Context, sessionID string, variablesReference int) ([]Variable, error) {
	_, client, err := m.inspectable(sessionID)
	if err != nil {
		return nil, err
	}
	vars, err := client.Variables(ctx, variablesReference)
	if err != nil {
		return nil, err
	}
	return shapeVariables(vars), nil
}

// EvaluateExpression evaluates an expression in a frame context (the
// current frame when frameID is zero).
func (m *Manager) EvaluateExpression(ctx context.Context, sessionID, expression string, frameID int, evalContext string) (EvaluationResult, error) {
	s, client, err := m.inspectable(sessionID)
	if err != nil {
		return EvaluationResult{}, err
	}
	if frameID == 0 {
		s.mu.Lock()
		frameID = s.currentFrameID
		s.mu.Unlock()
	}
	body, err := client.Evaluate(ctx, expression, frameID, evalContext)
	if err != nil {
		return EvaluationResult{}, err
	}
	return EvaluationResult{
		Result:             body.Result,
		Type:               body.Type,
		VariablesReference: body.VariablesReference,
		HasChildren:        body.VariablesReference > 0,
	}, nil
}

// GetThreads returns the debuggee's threads.
func (m *Manager) GetThreads(ctx context.Context, sessionID string) ([]Thread, error) {
	_, client, err := m.inspectable(sessionID)
	if err != nil {
		return nil, err
	}
	threads, err := client.Threads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Thread, len(threads))
	for i, t := range threads {
		out[i] = shapeThread(t)
	}
	return out, nil
}

// GetSourceContext reads a window of lines around a location,
// annotated with current-line and breakpoint flags. Defaults to the
// last stop location when file/line are unset. Unreadable files
// return nil without error.
func (m *Manager) GetSourceContext(sessionID, file string, line, linesContext int) (*SourceContext, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if file == "" && s.lastStop != nil && s.lastStop.Frame != nil {
		file = s.lastStop.Frame.File
		if line == 0 {
			line = s.lastStop.Frame.Line
		}
	}
	s.mu.Unlock()
	if file == "" || line <= 0 {
		return nil, fmt.Errorf("session: no location to read source around")
	}
	if linesContext <= 0 {
		linesContext = 5
	}

	normalized := NormalizePath(file)
	f, err := os.Open(normalized)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	bpLines := make(map[int]bool)
	s.mu.Lock()
	for _, bp := range s.breakpoints[normalized] {
		bpLines[bp.Line] = true
	}
	s.mu.Unlock()

	start := line - linesContext
	if start < 1 {
		start = 1
	}
	end := line + linesContext

	var lines []SourceLine
	scanner := bufio.NewScanner(f)
	// Source lines can be long; give the scanner room.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if n < start {
			continue
		}
		if n > end {
			break
		}
		lines = append(lines, SourceLine{
			Number:        n,
			Text:          scanner.Text(),
			IsCurrent:     n == line,
			HasBreakpoint: bpLines[n],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil
	}
	if len(lines) == 0 {
		return nil, nil
	}

	return &SourceContext{
		File:      normalized,
		Line:      line,
		StartLine: lines[0].Number,
		EndLine:   lines[len(lines)-1].Number,
		Lines:     lines,
	}, nil
}
