package session

import (
	"context"
	"fmt"
	"time"

	"github.com/caboose-desktop/debugctl/internal/core/log"
)

const defaultPauseWait = 5 * time.Second

// waitForPause blocks until the next surfaced stopped event for s, or
// until the timeout elapses. Timeout is not an error: callers treat a
// non-paused state afterwards as "did not stop".
func (m *Manager) waitForPause(s *Session, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultPauseWait
	}
	s.mu.Lock()
	if s.state == StatePaused {
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.pauseWaiters = append(s.pauseWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

// resumed records stop-to-resume latency when leaving paused.
func (m *Manager) resumed(s *Session) {
	s.mu.Lock()
	since := s.pausedSince
	s.pausedSince = time.Time{}
	s.mu.Unlock()
	if !since.IsZero() {
		m.metrics.StopResumed(time.Since(since))
	}
}

// stopContext snapshots the cached stop context.
func (s *Session) stopContext() *StopContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStop
}

func (s *Session) threadOrCurrent(threadID int) int {
	if threadID > 0 {
		return threadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentThreadID > 0 {
		return s.currentThreadID
	}
	return 1
}

// ContinueOptions selects the advanced continue modes.
type ContinueOptions struct {
	// WaitForBreakpoint blocks until the next stop (or Timeout) and
	// returns the stop context.
	WaitForBreakpoint bool `json:"waitForBreakpoint,omitempty"`
	// Timeout bounds WaitForBreakpoint and the whole CollectHits
	// loop.
	Timeout time.Duration `json:"timeout,omitempty"`
	// CollectHits runs continue/stop cycles, collecting a trace per
	// stop, up to this many hits.
	CollectHits int `json:"collectHits,omitempty"`
}

// ContinueResult is the outcome of Continue.
type ContinueResult struct {
	Success   bool         `json:"success"`
	State     State        `json:"state"`
	Message   string       `json:"message,omitempty"`
	StoppedAt *StackFrame  `json:"stoppedAt,omitempty"`
	Variables []Variable   `json:"variables,omitempty"`
	Traces    []TracePoint `json:"traces,omitempty"`
}

// Continue resumes the debuggee. Plain mode returns immediately;
// WaitForBreakpoint and CollectHits add stop synchronization on top.
func (m *Manager) Continue(ctx context.Context, sessionID string, threadID int, opts ContinueOptions) (ContinueResult, error) {
	if err := m.limiter.Wait("stepping"); err != nil {
		return ContinueResult{}, fmt.Errorf("session: continue throttled: %w", err)
	}
	s, err := m.get(sessionID)
	if err != nil {
		return ContinueResult{}, err
	}
	state := s.State()
	if state != StatePaused {
		return ContinueResult{Success: false, State: state, Message: fmt.Sprintf("cannot continue in state %q", state)}, nil
	}
	client := s.getClient()
	if client == nil {
		return ContinueResult{Success: false, State: state, Message: "no adapter attached"}, nil
	}

	tid := s.threadOrCurrent(threadID)

	if opts.CollectHits > 0 {
		return m.collectHits(ctx, s, tid, opts)
	}

	m.resumed(s)
	if err := client.Continue(ctx, tid); err != nil {
		return ContinueResult{Success: false, State: s.State(), Message: err.Error()}, nil
	}
	m.transition(s, StateRunning)

	if !opts.WaitForBreakpoint {
		return ContinueResult{Success: true, State: StateRunning}, nil
	}

	m.waitForPause(s, opts.Timeout)
	state = s.State()
	result := ContinueResult{Success: true, State: state}
	if state == StatePaused {
		if stop := s.stopContext(); stop != nil {
			result.StoppedAt = stop.Frame
			result.Variables = stop.Variables
			result.Message = fmt.Sprintf("stopped: %s", stop.Reason)
		}
	} else {
		result.Message = "no breakpoint hit"
	}
	return result, nil
}

// collectHits drives continue/stop cycles, assembling a trace per
// stop, until the hit budget or the time budget runs out.
func (m *Manager) collectHits(ctx context.Context, s *Session, threadID int, opts ContinueOptions) (ContinueResult, error) {
	client := s.getClient()

	budget := opts.Timeout
	if budget <= 0 {
		budget = 30 * time.Second
	}
	deadline := time.Now().Add(budget)

	s.mu.Lock()
	s.traces = nil
	s.mu.Unlock()

	var collected []TracePoint
	for hit := 0; hit < opts.CollectHits; hit++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if s.State() != StatePaused {
			break
		}

		m.resumed(s)
		if err := client.Continue(ctx, threadID); err != nil {
			m.diags.Record(s.id, "dap", log.LevelWarn, fmt.Sprintf("collect-hits continue: %v", err))
			break
		}
		m.transition(s, StateRunning)

		m.waitForPause(s, remaining)
		if s.State() != StatePaused {
			break
		}

		stop := s.stopContext()
		if stop == nil || stop.Frame == nil {
			continue
		}
		tp := TracePoint{
			HitNumber: hit + 1,
			Timestamp: time.Now().UnixMilli(),
			File:      stop.Frame.File,
			Line:      stop.Frame.Line,
			Function:  stop.Frame.Name,
			Variables: stop.Variables,
		}
		if len(tp.Variables) > m.opts.TraceMaxVariables {
			tp.Variables = tp.Variables[:m.opts.TraceMaxVariables]
		}
		collected = append(collected, tp)
		s.mu.Lock()
		s.appendTraceLocked(tp)
		s.mu.Unlock()
		m.metrics.TracepointCollected()
	}

	return ContinueResult{
		Success: true,
		State:   s.State(),
		Message: fmt.Sprintf("collected %d hits", len(collected)),
		Traces:  collected,
	}, nil
}

// Pause asks the adapter to interrupt the debuggee; the resulting
// stopped event drives the state change.
func (m *Manager) Pause(ctx context.Context, sessionID string, threadID int) (OpResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return OpResult{}, err
	}
	state := s.State()
	if state != StateRunning {
		return OpResult{Success: false, State: state, Message: fmt.Sprintf("cannot pause in state %q", state)}, nil
	}
	client := s.getClient()
	if client == nil {
		return OpResult{Success: false, State: state, Message: "no adapter attached"}, nil
	}
	if err := client.Pause(ctx, s.threadOrCurrent(threadID)); err != nil {
		return OpResult{Success: false, State: s.State(), Message: err.Error()}, nil
	}
	return OpResult{Success: true, State: s.State(), Message: "pause requested"}, nil
}

// StepKind selects a step operation.
type StepKind string

const (
	StepInto StepKind = "in"
	StepOver StepKind = "over"
	StepOut  StepKind = "out"
)

// StepResult is the outcome of a step operation.
type StepResult struct {
	Success   bool        `json:"success"`
	State     State       `json:"state"`
	Message   string      `json:"message,omitempty"`
	StoppedAt *StackFrame `json:"stoppedAt,omitempty"`
	Variables []Variable  `json:"variables,omitempty"`
}

// StepIn steps into the current statement.
func (m *Manager) StepIn(ctx context.Context, sessionID string, threadID int) (StepResult, error) {
	return m.step(ctx, sessionID, threadID, StepInto)
}

// StepOver steps over the current statement.
func (m *Manager) StepOver(ctx context.Context, sessionID string, threadID int) (StepResult, error) {
	return m.step(ctx, sessionID, threadID, StepOver)
}

// StepOut runs until the current frame returns.
func (m *Manager) StepOut(ctx context.Context, sessionID string, threadID int) (StepResult, error) {
	return m.step(ctx, sessionID, threadID, StepOut)
}

func (m *Manager) step(ctx context.Context, sessionID string, threadID int, kind StepKind) (StepResult, error) {
	if err := m.limiter.Wait("stepping"); err != nil {
		return StepResult{}, fmt.Errorf("session: step throttled: %w", err)
	}
	s, err := m.get(sessionID)
	if err != nil {
		return StepResult{}, err
	}
	state := s.State()
	if state != StatePaused {
		return StepResult{Success: false, State: state, Message: fmt.Sprintf("cannot step in state %q", state)}, nil
	}
	client := s.getClient()
	if client == nil {
		return StepResult{Success: false, State: state, Message: "no adapter attached"}, nil
	}

	tid := s.threadOrCurrent(threadID)
	m.resumed(s)

	switch kind {
	case StepInto:
		err = client.StepIn(ctx, tid)
	case StepOut:
		err = client.StepOut(ctx, tid)
	default:
		err = client.Next(ctx, tid)
	}
	if err != nil {
		return StepResult{Success: false, State: s.State(), Message: err.Error()}, nil
	}
	m.metrics.StepExecuted()
	m.transition(s, StateRunning)

	m.waitForPause(s, defaultPauseWait)

	result := StepResult{Success: true, State: s.State()}
	if stop := s.stopContext(); stop != nil {
		result.StoppedAt = stop.Frame
		result.Variables = stop.Variables
	}
	return result, nil
}

// StepAndTraceParams configures a step-and-trace run.
type StepAndTraceParams struct {
	Count    int           `json:"count,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	StepType StepKind      `json:"stepType,omitempty"`
	DumpFile string        `json:"dumpFile,omitempty"`
}

// StepAndTraceResult is the outcome of StepAndTrace.
type StepAndTraceResult struct {
	Success        bool         `json:"success"`
	State          State        `json:"state"`
	Message        string       `json:"message,omitempty"`
	Traces         []TracePoint `json:"traces,omitempty"`
	StepsCompleted int          `json:"stepsCompleted"`
}

// StepAndTrace repeatedly snapshots the stop context and steps,
// until the step budget, the time budget, or the debuggee's patience
// runs out. With a dump file the snapshots go to JSONL instead of
// the returned slice.
func (m *Manager) StepAndTrace(ctx context.Context, sessionID string, params StepAndTraceParams) (StepAndTraceResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return StepAndTraceResult{}, err
	}
	state := s.State()
	if state != StatePaused {
		return StepAndTraceResult{Success: false, State: state, Message: fmt.Sprintf("cannot step in state %q", state)}, nil
	}
	client := s.getClient()
	if client == nil {
		return StepAndTraceResult{Success: false, State: state, Message: "no adapter attached"}, nil
	}

	count := params.Count
	if count <= 0 {
		count = 10
	}
	budget := params.Timeout
	if budget <= 0 {
		budget = 30 * time.Second
	}
	deadline := time.Now().Add(budget)

	var traces []TracePoint
	steps := 0
	for steps < count {
		if s.State() != StatePaused || time.Until(deadline) <= 0 {
			break
		}

		if stop := s.stopContext(); stop != nil && stop.Frame != nil {
			vars := stop.Variables
			if len(vars) > m.opts.TraceMaxVariables {
				vars = vars[:m.opts.TraceMaxVariables]
			}
			tp := TracePoint{
				HitNumber: steps + 1,
				Timestamp: time.Now().UnixMilli(),
				File:      stop.Frame.File,
				Line:      stop.Frame.Line,
				Function:  stop.Frame.Name,
				Variables: vars,
			}
			if params.DumpFile != "" {
				if err := m.appendDump(params.DumpFile, tp); err != nil {
					m.diags.Record(sessionID, "session", log.LevelWarn, fmt.Sprintf("step trace dump: %v", err))
				}
			} else {
				traces = append(traces, tp)
			}
		}

		tid := s.threadOrCurrent(0)
		m.resumed(s)
		switch params.StepType {
		case StepInto:
			err = client.StepIn(ctx, tid)
		case StepOut:
			err = client.StepOut(ctx, tid)
		default:
			err = client.Next(ctx, tid)
		}
		if err != nil {
			return StepAndTraceResult{Success: false, State: s.State(), Message: err.Error(), Traces: traces, StepsCompleted: steps}, nil
		}
		m.metrics.StepExecuted()
		m.transition(s, StateRunning)
		steps++

		perStep := defaultPauseWait
		if remaining := time.Until(deadline); remaining < perStep {
			perStep = remaining
		}
		m.waitForPause(s, perStep)
	}

	return StepAndTraceResult{
		Success:        true,
		State:          s.State(),
		Message:        fmt.Sprintf("completed %d steps", steps),
		Traces:         traces,
		StepsCompleted: steps,
	}, nil
}
