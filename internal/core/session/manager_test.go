package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{
		TraceBufferSize: 100,
		RemoveDelay:     50 * time.Millisecond,
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func createTestSession(t *testing.T, m *Manager) (*Session, string) {
	t.Helper()
	info, err := m.CreateSession(context.Background(), CreateParams{Language: "python", Name: "test"})
	require.NoError(t, err)
	s, err := m.get(info.ID)
	require.NoError(t, err)
	return s, info.ID
}

func TestCreateSession(t *testing.T) {
	m := newTestManager(t)

	info, err := m.CreateSession(context.Background(), CreateParams{Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, info.State)
	assert.Equal(t, "python", info.Language)
	assert.NotEmpty(t, info.ID)
	assert.Contains(t, info.Name, "python-")

	sessions := m.ListSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, info.ID, sessions[0].ID)
}

func TestCreateSessionUnknownLanguage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSession(context.Background(), CreateParams{Language: "cobol"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plugin registered")
}

func TestBreakpointPendingBeforeStart(t *testing.T) {
	m := newTestManager(t)
	_, id := createTestSession(t, m)

	result, err := m.SetBreakpoint(context.Background(), id, SetBreakpointParams{File: "/tmp/app.py", Line: 9})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.Breakpoint)
	assert.False(t, result.Breakpoint.Verified)
	assert.Contains(t, result.Breakpoint.Message, "pending")
}

func TestBreakpointIdempotence(t *testing.T) {
	m := newTestManager(t)
	s, id := createTestSession(t, m)

	_, err := m.SetBreakpoint(context.Background(), id, SetBreakpointParams{File: "app.py", Line: 5})
	require.NoError(t, err)
	_, err = m.SetBreakpoint(context.Background(), id, SetBreakpointParams{File: "app.py", Line: 5, Condition: "x>0"})
	require.NoError(t, err)

	bps, err := m.ListBreakpoints(id)
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, 5, bps[0].Line)
	assert.Equal(t, "x>0", bps[0].Condition)

	file := NormalizePath("app.py")
	s.mu.Lock()
	assert.Len(t, s.breakpoints[file], 1)
	s.mu.Unlock()
}

func TestRemoveBreakpointNonexistent(t *testing.T) {
	m := newTestManager(t)
	_, id := createTestSession(t, m)

	_, err := m.SetBreakpoint(context.Background(), id, SetBreakpointParams{File: "app.py", Line: 5})
	require.NoError(t, err)

	result, err := m.RemoveBreakpoint(context.Background(), id, "app.py", 42)
	require.NoError(t, err)
	assert.False(t, result.Success)

	bps, err := m.ListBreakpoints(id)
	require.NoError(t, err)
	assert.Len(t, bps, 1, "failed remove must not mutate state")
}

func TestRemoveBreakpointClearsTracepointRegistration(t *testing.T) {
	m := newTestManager(t)
	s, id := createTestSession(t, m)

	_, err := m.SetBreakpoint(context.Background(), id, SetBreakpointParams{File: "loop.py", Line: 3, Trace: true})
	require.NoError(t, err)

	file := NormalizePath("loop.py")
	s.mu.Lock()
	_, registered := s.dumpBreakpoints[breakpointKey(file, 3)]
	s.mu.Unlock()
	require.True(t, registered)

	result, err := m.RemoveBreakpoint(context.Background(), id, "loop.py", 3)
	require.NoError(t, err)
	assert.True(t, result.Success)

	s.mu.Lock()
	_, registered = s.dumpBreakpoints[breakpointKey(file, 3)]
	s.mu.Unlock()
	assert.False(t, registered)
}

func TestOperationsRejectedInCreatedState(t *testing.T) {
	m := newTestManager(t)
	_, id := createTestSession(t, m)
	ctx := context.Background()

	cont, err := m.Continue(ctx, id, 0, ContinueOptions{})
	require.NoError(t, err)
	assert.False(t, cont.Success)
	assert.Contains(t, cont.Message, "created")

	step, err := m.StepOver(ctx, id, 0)
	require.NoError(t, err)
	assert.False(t, step.Success)

	pause, err := m.Pause(ctx, id, 0)
	require.NoError(t, err)
	assert.False(t, pause.Success)

	_, err = m.GetStackTrace(ctx, id, 0)
	require.Error(t, err)

	_, err = m.GetThreads(ctx, id)
	require.Error(t, err)
}

func TestTracepointAutoContinueBudget(t *testing.T) {
	m := newTestManager(t)
	s, id := createTestSession(t, m)

	dumpFile := filepath.Join(t.TempDir(), "trace.jsonl")
	_, err := m.SetBreakpoint(context.Background(), id, SetBreakpointParams{
		File:     "/src/loop.py",
		Line:     7,
		Trace:    true,
		DumpFile: dumpFile,
		MaxDumps: 5,
	})
	require.NoError(t, err)

	stop := &StopContext{
		Frame:     &StackFrame{ID: 1, Name: "loop_body", File: "/src/loop.py", Line: 7},
		Variables: []Variable{{Name: "i", Value: "0"}},
		Reason:    "breakpoint",
		ThreadID:  1,
	}

	// First five hits are consumed as tracepoints; from the sixth on
	// the budget is spent and the stop surfaces as a normal pause.
	for hit := 1; hit <= 10; hit++ {
		suppressed := m.handleTracepoint(s, stop, 1)
		if hit <= 5 {
			assert.True(t, suppressed, "hit %d should auto-continue", hit)
		} else {
			assert.False(t, suppressed, "hit %d should pause", hit)
		}
	}

	result, err := m.GetTraces(id, TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Total)
	for i, tp := range result.Traces {
		assert.Equal(t, i+1, tp.HitNumber)
		assert.Equal(t, "loop_body", tp.Function)
	}

	// The dump file carries exactly the five hits as JSONL.
	f, err := os.Open(dumpFile)
	require.NoError(t, err)
	defer f.Close()
	var hitNumbers []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var tp TracePoint
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &tp))
		hitNumbers = append(hitNumbers, tp.HitNumber)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, hitNumbers)
}

func TestTraceBufferDropsOldest(t *testing.T) {
	m := NewManager(Options{TraceBufferSize: 10, RemoveDelay: 50 * time.Millisecond})
	defer m.Shutdown(context.Background())
	s, id := createTestSession(t, m)

	s.mu.Lock()
	for i := 1; i <= 25; i++ {
		s.appendTraceLocked(TracePoint{HitNumber: i})
	}
	s.mu.Unlock()

	result, err := m.GetTraces(id, TraceFilter{})
	require.NoError(t, err)
	require.Equal(t, 10, result.Total)
	assert.Equal(t, 16, result.Traces[0].HitNumber, "oldest traces drop first")
	assert.Equal(t, 25, result.Traces[9].HitNumber)
}

func TestGetTracesFilterAndPagination(t *testing.T) {
	m := newTestManager(t)
	s, id := createTestSession(t, m)

	s.mu.Lock()
	for i := 1; i <= 6; i++ {
		file := "/src/a.py"
		if i%2 == 0 {
			file = "/src/b.py"
		}
		s.appendTraceLocked(TracePoint{HitNumber: i, File: file, Line: i, Function: "work"})
	}
	s.mu.Unlock()

	byFile, err := m.GetTraces(id, TraceFilter{File: "/src/a.py"})
	require.NoError(t, err)
	assert.Equal(t, 3, byFile.Total)

	paged, err := m.GetTraces(id, TraceFilter{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, paged.Total)
	require.Len(t, paged.Traces, 2)
	assert.Equal(t, 3, paged.Traces[0].HitNumber)

	byFunc, err := m.GetTraces(id, TraceFilter{Function: "WORK"})
	require.NoError(t, err)
	assert.Equal(t, 6, byFunc.Total, "function filter is case-insensitive")

	cleared, err := m.ClearTraces(id)
	require.NoError(t, err)
	assert.Equal(t, 6, cleared)
	after, err := m.GetTraces(id, TraceFilter{})
	require.NoError(t, err)
	assert.Zero(t, after.Total)
}

func TestGetSourceContext(t *testing.T) {
	m := newTestManager(t)
	_, id := createTestSession(t, m)

	dir := t.TempDir()
	src := filepath.Join(dir, "sample.py")
	var content string
	for i := 1; i <= 20; i++ {
		content += fmt.Sprintf("line%d\n", i)
	}
	require.NoError(t, os.WriteFile(src, []byte(content), 0644))

	_, err := m.SetBreakpoint(context.Background(), id, SetBreakpointParams{File: src, Line: 9})
	require.NoError(t, err)

	sc, err := m.GetSourceContext(id, src, 9, 2)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, 7, sc.StartLine)
	assert.Equal(t, 11, sc.EndLine)
	require.Len(t, sc.Lines, 5)
	for _, line := range sc.Lines {
		assert.Equal(t, line.Number == 9, line.IsCurrent)
		assert.Equal(t, line.Number == 9, line.HasBreakpoint)
	}

	// Window clipped at file start.
	sc, err = m.GetSourceContext(id, src, 1, 5)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, 1, sc.StartLine)
	assert.Equal(t, 6, sc.EndLine)

	// Unreadable files yield nil, not an error.
	sc, err = m.GetSourceContext(id, filepath.Join(dir, "missing.py"), 5, 5)
	require.NoError(t, err)
	assert.Nil(t, sc)
}

func TestWaitForPauseTimesOutQuietly(t *testing.T) {
	m := newTestManager(t)
	s, _ := createTestSession(t, m)

	start := time.Now()
	m.waitForPause(s, 100*time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitForPauseResolvesOnNotify(t *testing.T) {
	m := newTestManager(t)
	s, _ := createTestSession(t, m)

	done := make(chan struct{})
	go func() {
		m.waitForPause(s, 5*time.Second)
		close(done)
	}()

	// Give the waiter a moment to register.
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	s.state = StatePaused
	s.notifyPauseWaitersLocked()
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForPause did not resolve on notify")
	}
}

func TestWaitForPauseReturnsImmediatelyWhenPaused(t *testing.T) {
	m := newTestManager(t)
	s, _ := createTestSession(t, m)

	s.mu.Lock()
	s.state = StatePaused
	s.mu.Unlock()

	start := time.Now()
	m.waitForPause(s, 5*time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStateChangeEventsReachSubscribers(t *testing.T) {
	m := newTestManager(t)
	s, id := createTestSession(t, m)

	subID, events := m.Subscribe()
	defer m.Unsubscribe(subID)

	m.transition(s, StateInitializing)

	select {
	case ev := <-events:
		assert.Equal(t, EventStateChanged, ev.Type)
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, StateInitializing, ev.State)
		assert.Equal(t, StateCreated, ev.PrevState)
	case <-time.After(2 * time.Second):
		t.Fatal("no stateChanged event")
	}

	// Self-transitions are not republished.
	m.transition(s, StateInitializing)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionEndedRemovesAfterGrace(t *testing.T) {
	m := newTestManager(t)
	_, id := createTestSession(t, m)

	m.onSessionEnded(id, "adapter exited")

	// The terminated record stays visible for the grace window.
	info, err := m.GetSessionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, info.State)

	require.Eventually(t, func() bool {
		_, err := m.GetSessionInfo(id)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "session should be removed after the grace delay")
}

func TestTerminateSessionRemovesImmediately(t *testing.T) {
	m := newTestManager(t)
	_, id := createTestSession(t, m)

	result, err := m.TerminateSession(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = m.GetSessionInfo(id)
	require.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	abs := NormalizePath("some/dir/../file.py")
	assert.True(t, filepath.IsAbs(abs))
	assert.NotContains(t, abs, "..")

	// Idempotent on already-absolute cleaned paths.
	assert.Equal(t, abs, NormalizePath(abs))
}
