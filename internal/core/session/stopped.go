package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	godap "github.com/google/go-dap"

	"github.com/caboose-desktop/debugctl/internal/core/log"
	"github.com/caboose-desktop/debugctl/internal/core/workers"
)

// onStopped handles every stopped event for a session: refresh the
// stop context (top frame + locals), then either surface the pause or
// auto-continue if a tracepoint claimed this location.
func (m *Manager) onStopped(sessionID string, ev *godap.StoppedEvent) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	client := s.getClient()
	if client == nil {
		return
	}

	threadID := ev.Body.ThreadId
	if threadID == 0 {
		threadID = 1
	}
	reason := ev.Body.Reason

	s.mu.Lock()
	s.currentThreadID = threadID
	s.stoppedReason = reason
	s.stoppedThread = threadID
	s.mu.Unlock()

	// Refresh the stop context before anything user-observable can
	// read it. Requests run against the connection's default timeout.
	ctx := context.Background()
	stop := &StopContext{Reason: reason, ThreadID: threadID}

	frames, err := client.StackTrace(ctx, threadID)
	if err != nil {
		m.diags.Record(sessionID, "dap", log.LevelWarn, fmt.Sprintf("stackTrace on stop: %v", err))
	}
	if len(frames) > 0 {
		top := shapeFrame(frames[0])
		stop.Frame = &top
		s.mu.Lock()
		s.currentFrameID = top.ID
		s.mu.Unlock()

		stop.Variables = m.fetchLocals(ctx, s, top.ID)
	}

	s.mu.Lock()
	s.lastStop = stop
	s.mu.Unlock()

	if reason == "breakpoint" {
		m.metrics.BreakpointHit()
	}

	if stop.Frame != nil && m.handleTracepoint(s, stop, threadID) {
		// Suppressed: the session keeps running from the client's
		// perspective.
		return
	}

	s.mu.Lock()
	s.pausedSince = time.Now()
	s.mu.Unlock()

	m.transition(s, StatePaused)

	s.mu.Lock()
	s.notifyPauseWaitersLocked()
	s.mu.Unlock()

	m.publish(Event{
		Type:        EventStopped,
		SessionID:   sessionID,
		State:       StatePaused,
		Reason:      reason,
		ThreadID:    threadID,
		Description: ev.Body.Description,
	})
}

// fetchLocals returns the variables of the frame's locals scope.
func (m *Manager) fetchLocals(ctx context.Context, s *Session, frameID int) []Variable {
	client := s.getClient()
	if client == nil {
		return nil
	}
	scopes, err := client.Scopes(ctx, frameID)
	if err != nil {
		m.diags.Record(s.id, "dap", log.LevelWarn, fmt.Sprintf("scopes on stop: %v", err))
		return nil
	}
	for _, scope := range scopes {
		if !strings.Contains(strings.ToLower(scope.Name), "local") {
			continue
		}
		vars, err := client.Variables(ctx, scope.VariablesReference)
		if err != nil {
			m.diags.Record(s.id, "dap", log.LevelWarn, fmt.Sprintf("variables on stop: %v", err))
			return nil
		}
		return shapeVariables(vars)
	}
	return nil
}

// handleTracepoint consults the dump-breakpoint table for the stop
// location. It returns true when the stop was consumed as a
// tracepoint hit and the debuggee is being auto-continued.
func (m *Manager) handleTracepoint(s *Session, stop *StopContext, threadID int) bool {
	key := breakpointKey(NormalizePath(stop.Frame.File), stop.Frame.Line)

	s.mu.Lock()
	bp, ok := s.dumpBreakpoints[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if bp.MaxDumps > 0 && bp.DumpCount >= bp.MaxDumps {
		// Budget exhausted: this hit surfaces as a normal pause.
		s.mu.Unlock()
		return false
	}
	bp.DumpCount++

	vars := stop.Variables
	if len(vars) > m.opts.TraceMaxVariables {
		vars = vars[:m.opts.TraceMaxVariables]
	}
	tp := TracePoint{
		HitNumber: bp.DumpCount,
		Timestamp: time.Now().UnixMilli(),
		File:      stop.Frame.File,
		Line:      stop.Frame.Line,
		Function:  stop.Frame.Name,
		Variables: vars,
	}
	s.appendTraceLocked(tp)
	dumpFile := bp.DumpFile
	sessionID := s.id
	s.mu.Unlock()

	m.metrics.TracepointCollected()

	if dumpFile != "" {
		if err := m.appendDump(dumpFile, tp); err != nil {
			m.diags.Record(sessionID, "session", log.LevelWarn, fmt.Sprintf("trace dump write: %v", err))
		}
	}

	// The continue must not run inside this event handler: it would
	// reenter event processing before the stop bookkeeping is done,
	// racing the next stopped event. Defer it through the pool.
	_ = m.pool.Submit(workers.Task{
		ID: fmt.Sprintf("trace-continue-%s", sessionID),
		Execute: func(ctx context.Context) error {
			session, err := m.get(sessionID)
			if err != nil {
				return nil
			}
			client := session.getClient()
			if client == nil {
				return nil
			}
			if err := client.Continue(ctx, threadID); err != nil {
				m.diags.Record(sessionID, "dap", log.LevelWarn, fmt.Sprintf("tracepoint continue: %v", err))
			}
			return nil
		},
	})
	return true
}

// appendDump appends one JSONL record to the dump file. Relative
// paths resolve against the configured dump directory.
func (m *Manager) appendDump(path string, tp TracePoint) error {
	if !filepath.IsAbs(path) && m.opts.DumpDir != "" {
		path = filepath.Join(m.opts.DumpDir, path)
	}
	line, err := json.Marshal(tp)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// TraceFilter selects collected traces.
type TraceFilter struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// TracesResult is the outcome of GetTraces.
type TracesResult struct {
	Traces []TracePoint `json:"traces"`
	Total  int          `json:"total"`
}

// GetTraces returns collected tracepoints, filtered and paginated.
// Total counts matches before pagination.
func (m *Manager) GetTraces(sessionID string, filter TraceFilter) (TracesResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return TracesResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]TracePoint, 0, len(s.traces))
	for _, tp := range s.traces {
		if filter.File != "" && NormalizePath(tp.File) != NormalizePath(filter.File) {
			continue
		}
		if filter.Line > 0 && tp.Line != filter.Line {
			continue
		}
		if filter.Function != "" && !strings.Contains(strings.ToLower(tp.Function), strings.ToLower(filter.Function)) {
			continue
		}
		matched = append(matched, tp)
	}

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return TracesResult{Traces: []TracePoint{}, Total: total}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return TracesResult{Traces: matched, Total: total}, nil
}

// ClearTraces drops the session's collected traces and returns how
// many were dropped.
func (m *Manager) ClearTraces(sessionID string) (int, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := len(s.traces)
	s.traces = nil
	return cleared, nil
}
