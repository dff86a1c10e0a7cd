// Package session implements the debug-session layer: the lifecycle
// state machine, breakpoint queueing, the tracepoint engine, pause
// synchronization, and the uniform API the tool server calls into.
package session

import (
	"time"

	godap "github.com/google/go-dap"
)

// State is a session's lifecycle position.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// active reports whether the session has a live adapter behind it.
func (s State) active() bool {
	return s == StateReady || s == StateRunning || s == StatePaused
}

// Breakpoint is one source breakpoint, possibly acting as a
// tracepoint. At most one exists per (file, line) per session.
type Breakpoint struct {
	ID           int    `json:"id,omitempty"`
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Verified     bool   `json:"verified"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
	Message      string `json:"message,omitempty"`

	// Trace marks the breakpoint as a tracepoint: hits snapshot stack
	// and locals, then auto-continue.
	Trace bool `json:"trace,omitempty"`
	// DumpFile, when set, receives one JSON line per hit.
	DumpFile string `json:"dumpFile,omitempty"`
	// MaxDumps stops auto-continuing after this many hits; zero means
	// unbounded.
	MaxDumps  int `json:"maxDumps,omitempty"`
	DumpCount int `json:"dumpCount,omitempty"`
}

// TracePoint is the captured state of one tracepoint hit.
type TracePoint struct {
	HitNumber int        `json:"hitNumber"`
	Timestamp int64      `json:"timestamp"` // wall clock, milliseconds
	File      string     `json:"file"`
	Line      int        `json:"line"`
	Function  string     `json:"function"`
	Variables []Variable `json:"variables"`
}

// StackFrame mirrors the DAP stack frame shape.
type StackFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// Scope mirrors the DAP scope shape.
type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive,omitempty"`
}

// Variable mirrors the DAP variable shape.
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	HasChildren        bool   `json:"hasChildren"`
}

// Thread mirrors the DAP thread shape.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// EvaluationResult is the shaped response of an evaluate request.
type EvaluationResult struct {
	Result             string `json:"result"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	HasChildren        bool   `json:"hasChildren"`
}

// SourceLine is one annotated line of a source-context window.
type SourceLine struct {
	Number        int    `json:"number"`
	Text          string `json:"text"`
	IsCurrent     bool   `json:"isCurrent"`
	HasBreakpoint bool   `json:"hasBreakpoint"`
}

// SourceContext is a window of source lines around a location.
type SourceContext struct {
	File      string       `json:"file"`
	Line      int          `json:"line"`
	StartLine int          `json:"startLine"`
	EndLine   int          `json:"endLine"`
	Lines     []SourceLine `json:"lines"`
}

// StopContext caches the top frame and locals captured on the most
// recent stopped event; step and continue operations return it.
type StopContext struct {
	Frame     *StackFrame `json:"frame,omitempty"`
	Variables []Variable  `json:"variables,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	ThreadID  int         `json:"threadId,omitempty"`
}

// SessionInfo is the external projection of a session: the JSON-facing
// view returned by createSession/listSessions, with internal fields
// (client, locks) kept out.
type SessionInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Language      string    `json:"language"`
	State         State     `json:"state"`
	ScriptPath    string    `json:"scriptPath,omitempty"`
	WorkDir       string    `json:"workDir,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	StoppedReason string    `json:"stoppedReason,omitempty"`
	StoppedThread int       `json:"stoppedThread,omitempty"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// LaunchParams is the caller-supplied startDebugging payload.
type LaunchParams struct {
	ScriptPath  string            `json:"scriptPath"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopOnEntry bool              `json:"stopOnEntry"`
}

// shapeFrame converts a DAP stack frame.
func shapeFrame(f godap.StackFrame) StackFrame {
	sf := StackFrame{ID: f.Id, Name: f.Name, Line: f.Line, Column: f.Column}
	if f.Source != nil {
		sf.File = f.Source.Path
	}
	return sf
}

// shapeVariable converts a DAP variable, deriving HasChildren.
func shapeVariable(v godap.Variable) Variable {
	return Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		HasChildren:        v.VariablesReference > 0,
	}
}

func shapeVariables(vs []godap.Variable) []Variable {
	out := make([]Variable, len(vs))
	for i, v := range vs {
		out[i] = shapeVariable(v)
	}
	return out
}

func shapeScope(s godap.Scope) Scope {
	return Scope{Name: s.Name, VariablesReference: s.VariablesReference, Expensive: s.Expensive}
}

func shapeThread(t godap.Thread) Thread {
	return Thread{ID: t.Id, Name: t.Name}
}
