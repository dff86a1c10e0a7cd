package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	applog "github.com/caboose-desktop/debugctl/internal/core/log"
	"github.com/caboose-desktop/debugctl/internal/core/session"
)

// rpcRequest is the thin tool-server envelope: method name plus an
// opaque params object. The session manager's value types do the
// actual JSON shaping.
type rpcRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type rpcHandler struct {
	mgr *session.Manager
	log *slog.Logger
}

func newRPCHandler(mgr *session.Manager, logger *slog.Logger) http.Handler {
	return &rpcHandler{mgr: mgr, log: logger}
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.dispatch(r, req)
	resp := rpcResponse{ID: req.ID, Result: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Result = nil
	}

	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		h.log.Warn("encode rpc response", "method", req.Method, "error", encErr)
	}
}

func (h *rpcHandler) dispatch(r *http.Request, req rpcRequest) (interface{}, error) {
	ctx := r.Context()

	decode := func(v interface{}) error {
		if len(req.Params) == 0 {
			return nil
		}
		return json.Unmarshal(req.Params, v)
	}

	switch req.Method {
	case "createSession":
		var p session.CreateParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.CreateSession(ctx, p)

	case "startDebugging":
		var p struct {
			SessionID string `json:"sessionId"`
			session.LaunchParams
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.StartDebugging(ctx, p.SessionID, p.LaunchParams)

	case "terminateSession":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.TerminateSession(ctx, p.SessionID)

	case "listSessions":
		return h.mgr.ListSessions(), nil

	case "setBreakpoint":
		var p struct {
			SessionID string `json:"sessionId"`
			session.SetBreakpointParams
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.SetBreakpoint(ctx, p.SessionID, p.SetBreakpointParams)

	case "removeBreakpoint":
		var p struct {
			SessionID string `json:"sessionId"`
			File      string `json:"file"`
			Line      int    `json:"line"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.RemoveBreakpoint(ctx, p.SessionID, p.File, p.Line)

	case "listBreakpoints":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.ListBreakpoints(p.SessionID)

	case "setExceptionBreakpoints":
		var p struct {
			SessionID string   `json:"sessionId"`
			Filters   []string `json:"filters"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.SetExceptionBreakpoints(ctx, p.SessionID, p.Filters)

	case "getTraces":
		var p struct {
			SessionID string `json:"sessionId"`
			session.TraceFilter
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.GetTraces(p.SessionID, p.TraceFilter)

	case "clearTraces":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		cleared, err := h.mgr.ClearTraces(p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]int{"cleared": cleared}, nil

	case "continue":
		var p struct {
			SessionID         string `json:"sessionId"`
			ThreadID          int    `json:"threadId,omitempty"`
			WaitForBreakpoint bool   `json:"waitForBreakpoint,omitempty"`
			TimeoutMillis     int    `json:"timeout,omitempty"`
			CollectHits       int    `json:"collectHits,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.Continue(ctx, p.SessionID, p.ThreadID, session.ContinueOptions{
			WaitForBreakpoint: p.WaitForBreakpoint,
			Timeout:           time.Duration(p.TimeoutMillis) * time.Millisecond,
			CollectHits:       p.CollectHits,
		})

	case "pause":
		var p struct {
			SessionID string `json:"sessionId"`
			ThreadID  int    `json:"threadId,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.Pause(ctx, p.SessionID, p.ThreadID)

	case "stepIn", "stepOver", "stepOut":
		var p struct {
			SessionID string `json:"sessionId"`
			ThreadID  int    `json:"threadId,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		switch req.Method {
		case "stepIn":
			return h.mgr.StepIn(ctx, p.SessionID, p.ThreadID)
		case "stepOut":
			return h.mgr.StepOut(ctx, p.SessionID, p.ThreadID)
		default:
			return h.mgr.StepOver(ctx, p.SessionID, p.ThreadID)
		}

	case "stepAndTrace":
		var p struct {
			SessionID     string           `json:"sessionId"`
			Count         int              `json:"count,omitempty"`
			TimeoutMillis int              `json:"timeout,omitempty"`
			StepType      session.StepKind `json:"stepType,omitempty"`
			DumpFile      string           `json:"dumpFile,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.StepAndTrace(ctx, p.SessionID, session.StepAndTraceParams{
			Count:    p.Count,
			Timeout:  time.Duration(p.TimeoutMillis) * time.Millisecond,
			StepType: p.StepType,
			DumpFile: p.DumpFile,
		})

	case "getStackTrace":
		var p struct {
			SessionID string `json:"sessionId"`
			ThreadID  int    `json:"threadId,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.GetStackTrace(ctx, p.SessionID, p.ThreadID)

	case "getVariables":
		var p struct {
			SessionID string `json:"sessionId"`
			FrameID   int    `json:"frameId,omitempty"`
			Scope     string `json:"scope,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.GetVariables(ctx, p.SessionID, p.FrameID, p.Scope)

	case "expandVariable":
		var p struct {
			SessionID          string `json:"sessionId"`
			VariablesReference int    `json:"variablesReference"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.ExpandVariable(ctx, p.SessionID, p.VariablesReference)

	case "evaluateExpression":
		var p struct {
			SessionID  string `json:"sessionId"`
			Expression string `json:"expression"`
			FrameID    int    `json:"frameId,omitempty"`
			Context    string `json:"context,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.EvaluateExpression(ctx, p.SessionID, p.Expression, p.FrameID, p.Context)

	case "getSourceContext":
		var p struct {
			SessionID    string `json:"sessionId"`
			File         string `json:"file,omitempty"`
			Line         int    `json:"line,omitempty"`
			LinesContext int    `json:"linesContext,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.GetSourceContext(p.SessionID, p.File, p.Line, p.LinesContext)

	case "getThreads":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.GetThreads(ctx, p.SessionID)

	case "getDiagnostics":
		var p struct {
			SessionID string `json:"sessionId,omitempty"`
			Limit     int    `json:"limit,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return h.mgr.Diagnostics().GetFiltered(sessionDiagFilter(p.SessionID, p.Limit)), nil

	case "getMetrics":
		return h.mgr.Metrics().GetSnapshot(), nil

	default:
		return nil, &unknownMethodError{method: req.Method}
	}
}

func sessionDiagFilter(sessionID string, limit int) applog.Filter {
	if limit <= 0 {
		limit = 200
	}
	return applog.Filter{SessionID: sessionID, Limit: limit}
}

type unknownMethodError struct{ method string }

func (e *unknownMethodError) Error() string {
	return "unknown method " + e.method
}
