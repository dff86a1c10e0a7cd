package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	godap "github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/caboose-desktop/debugctl/internal/core/adapter"
	"github.com/caboose-desktop/debugctl/internal/core/dapclient"
	"github.com/caboose-desktop/debugctl/internal/core/log"
	"github.com/caboose-desktop/debugctl/internal/core/metrics"
	"github.com/caboose-desktop/debugctl/internal/core/security"
	"github.com/caboose-desktop/debugctl/internal/core/workers"
)

// EventType classifies manager notifications.
type EventType string

const (
	EventStateChanged EventType = "stateChanged"
	EventStopped      EventType = "stopped"
	EventError        EventType = "error"
)

// Event is one manager notification. Subscribers receive events in
// publication order on their own buffered channel.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"sessionId"`
	State       State     `json:"state,omitempty"`
	PrevState   State     `json:"prevState,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ThreadID    int       `json:"threadId,omitempty"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Registry    *adapter.Registry
	Logger      *slog.Logger
	Diagnostics *log.Streamer
	Metrics     *metrics.Tracker

	// TraceBufferSize caps each session's tracepoint ring (default
	// 10000).
	TraceBufferSize int
	// TraceMaxVariables truncates each trace's locals (default 100).
	TraceMaxVariables int
	// DumpDir resolves relative trace dump-file paths.
	DumpDir string

	// LaunchWait bounds the post-configurationDone wait for a
	// deferred launch response (default 2s).
	LaunchWait time.Duration
	// DisconnectTimeout bounds the disconnect request during
	// teardown (default 5s).
	DisconnectTimeout time.Duration
	// RemoveDelay keeps terminated sessions visible before removal
	// (default 5s).
	RemoveDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.Registry == nil {
		o.Registry = adapter.DefaultRegistry
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Diagnostics == nil {
		o.Diagnostics = log.NewStreamer(10000)
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewTracker()
	}
	if o.TraceBufferSize == 0 {
		o.TraceBufferSize = 10000
	}
	if o.TraceMaxVariables == 0 {
		o.TraceMaxVariables = 100
	}
	if o.LaunchWait == 0 {
		o.LaunchWait = 2 * time.Second
	}
	if o.DisconnectTimeout == 0 {
		o.DisconnectTimeout = 5 * time.Second
	}
	if o.RemoveDelay == 0 {
		o.RemoveDelay = 5 * time.Second
	}
}

// Manager owns every session and is the single entry point for all
// higher-level operations. Event handlers carry only session ids and
// dereference through the manager, so sessions and clients never hold
// back-pointers to each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	registry *adapter.Registry
	pool     *workers.Pool
	diags    *log.Streamer
	metrics  *metrics.Tracker
	limiter  *security.RateLimiter
	log      *slog.Logger
	opts     Options

	subMu       sync.RWMutex
	subscribers map[string]chan Event
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	opts.fillDefaults()
	return &Manager{
		sessions:    make(map[string]*Session),
		registry:    opts.Registry,
		pool:        workers.NewPool(4),
		diags:       opts.Diagnostics,
		metrics:     opts.Metrics,
		limiter:     security.NewRateLimiter(),
		log:         opts.Logger,
		opts:        opts,
		subscribers: make(map[string]chan Event),
	}
}

// Diagnostics exposes the diagnostic ring buffer.
func (m *Manager) Diagnostics() *log.Streamer { return m.diags }

// Metrics exposes the metrics tracker.
func (m *Manager) Metrics() *metrics.Tracker { return m.metrics }

// Subscribe registers for manager events. Slow subscribers miss
// events rather than blocking the manager.
func (m *Manager) Subscribe() (string, <-chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := uuid.New().String()
	ch := make(chan Event, 128)
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// get looks a session up by id.
func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: no session %q", sessionID)
	}
	return s, nil
}

// transition moves s to next and publishes stateChanged. Caller must
// NOT hold s.mu.
func (m *Manager) transition(s *Session, next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	id := s.id
	s.mu.Unlock()

	m.diags.Record(id, "session", log.LevelInfo, fmt.Sprintf("state %s -> %s", prev, next))
	m.publish(Event{Type: EventStateChanged, SessionID: id, State: next, PrevState: prev})
}

// CreateParams configures a new session.
type CreateParams struct {
	Language       string `json:"language"`
	Name           string `json:"name,omitempty"`
	ExecutablePath string `json:"executablePath,omitempty"`
}

// CreateSession creates a session in the created state. The adapter
// is not spawned until StartDebugging.
func (m *Manager) CreateSession(ctx context.Context, params CreateParams) (SessionInfo, error) {
	if err := m.limiter.Wait("session-create"); err != nil {
		return SessionInfo{}, fmt.Errorf("session: create throttled: %w", err)
	}

	plugin, err := m.registry.Resolve(params.Language)
	if err != nil {
		return SessionInfo{}, err
	}

	id := uuid.New().String()
	name := params.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", params.Language, id[:8])
	}

	s := &Session{
		id:              id,
		name:            name,
		language:        params.Language,
		state:           StateCreated,
		scriptPath:      params.ExecutablePath,
		createdAt:       time.Now(),
		plugin:          plugin,
		breakpoints:     make(map[string][]*Breakpoint),
		dumpBreakpoints: make(map[string]*Breakpoint),
		traceCap:        m.opts.TraceBufferSize,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionCreated()
	m.diags.Record(id, "session", log.LevelInfo, fmt.Sprintf("created %s session %q", params.Language, name))
	return s.Info(), nil
}

// StartResult is the outcome of StartDebugging.
type StartResult struct {
	Success bool   `json:"success"`
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// StartDebugging spawns the adapter and drives the full handshake:
// initialize, deferred launch, breakpoint replay, configurationDone.
// The launch response is intentionally awaited only briefly —
// adapters disagree about whether it precedes or follows
// configurationDone, and both orders must work.
func (m *Manager) StartDebugging(ctx context.Context, sessionID string, params LaunchParams) (StartResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return StartResult{Success: false, State: state, Message: fmt.Sprintf("cannot start debugging in state %q", state)}, nil
	}
	if params.ScriptPath != "" {
		s.scriptPath = params.ScriptPath
	}
	if params.Cwd != "" {
		s.workDir = params.Cwd
	}
	script := s.scriptPath
	plugin := s.plugin
	s.initialized = make(chan struct{})
	initialized := s.initialized
	s.mu.Unlock()

	m.transition(s, StateInitializing)

	fail := func(stage string, err error) (StartResult, error) {
		m.setError(s, fmt.Sprintf("%s: %v", stage, err))
		return StartResult{Success: false, State: StateError, Message: fmt.Sprintf("%s: %v", stage, err)}, nil
	}

	execPath, err := plugin.ResolveExecutablePath(script)
	if err != nil {
		return fail("resolve executable", err)
	}

	cmd, err := plugin.AdapterCommand()
	if err != nil {
		return fail("adapter command", err)
	}

	transportMode := dapclient.TransportStdio
	if cmd.Mode == adapter.TransportTCP {
		transportMode = dapclient.TransportSocket
	}

	client, err := dapclient.Connect(ctx, dapclient.Config{
		Transport: transportMode,
		Process: dapclient.ProcessConfig{
			Command:     cmd.Command,
			Args:        cmd.Args,
			WorkingDir:  cmd.WorkingDir,
			Environment: cmd.Env,
			UsePTY:      cmd.UsePTY,
			PortRegexp:  cmd.PortRegexp,
		},
		ClientID:   "debugctl",
		ClientName: "debugctl orchestrator",
		AdapterID:  plugin.Name(),
		Logger:     m.log.With("session", sessionID),
		Handlers:   m.handlersFor(sessionID),
	})
	if err != nil {
		return fail("start adapter", err)
	}
	s.setClient(client)

	caps, err := client.Initialize(ctx)
	if err != nil {
		_ = client.Close()
		return fail("initialize", err)
	}
	s.mu.Lock()
	s.capabilities = caps
	s.mu.Unlock()

	launchConfig := plugin.BuildLaunchConfig(adapter.LaunchParams{
		ScriptPath:  execPath,
		Args:        params.Args,
		Cwd:         params.Cwd,
		Env:         params.Env,
		StopOnEntry: params.StopOnEntry,
	}, execPath)

	if err := client.Launch(ctx, launchConfig, true); err != nil {
		_ = client.Close()
		return fail("launch", err)
	}

	// The initialized event may arrive before or after the launch
	// response; both orders are valid.
	select {
	case <-initialized:
	case <-time.After(10 * time.Second):
		_ = client.Close()
		return fail("launch", fmt.Errorf("adapter never sent initialized"))
	case <-ctx.Done():
		_ = client.Close()
		return fail("launch", ctx.Err())
	}

	m.transition(s, StateReady)

	if err := m.replayBreakpoints(ctx, s); err != nil {
		m.diags.Record(sessionID, "session", log.LevelWarn, fmt.Sprintf("breakpoint replay: %v", err))
	}

	if err := client.ConfigurationDone(ctx); err != nil {
		_ = client.Close()
		return fail("configurationDone", err)
	}

	// Deferred launch responses arrive after configurationDone; a
	// timeout here is not a failure.
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.LaunchWait)
	err = client.WaitForLaunch(waitCtx)
	cancel()
	if err != nil && waitCtx.Err() == nil {
		_ = client.Close()
		return fail("launch", err)
	}

	m.transition(s, StateRunning)
	return StartResult{Success: true, State: StateRunning, Message: fmt.Sprintf("debugging %s", execPath)}, nil
}

// setError records the message and moves the session to error.
func (m *Manager) setError(s *Session, msg string) {
	s.mu.Lock()
	s.errMessage = msg
	id := s.id
	s.mu.Unlock()
	m.transition(s, StateError)
	m.diags.Record(id, "session", log.LevelError, msg)
	m.publish(Event{Type: EventError, SessionID: id, Error: msg})
}

// handlersFor builds the event handler set for a session. Handlers
// capture only the session id.
func (m *Manager) handlersFor(sessionID string) dapclient.Handlers {
	return dapclient.Handlers{
		OnInitialized: func() {
			if s, err := m.get(sessionID); err == nil {
				s.mu.Lock()
				if s.initialized != nil {
					select {
					case <-s.initialized:
					default:
						close(s.initialized)
					}
				}
				s.mu.Unlock()
			}
		},
		OnStopped: func(ev *godap.StoppedEvent) {
			m.onStopped(sessionID, ev)
		},
		OnContinued: func(ev *godap.ContinuedEvent) {
			if s, err := m.get(sessionID); err == nil && s.State() == StatePaused {
				m.transition(s, StateRunning)
			}
		},
		OnOutput: func(ev *godap.OutputEvent) {
			m.diags.Record(sessionID, "adapter", log.LevelInfo, fmt.Sprintf("[%s] %s", ev.Body.Category, ev.Body.Output))
		},
		OnExited: func(ev *godap.ExitedEvent) {
			if s, err := m.get(sessionID); err == nil {
				code := ev.Body.ExitCode
				s.mu.Lock()
				s.exitCode = &code
				s.mu.Unlock()
			}
		},
		OnTerminated: func(ev *godap.TerminatedEvent) {
			m.onSessionEnded(sessionID, "debuggee terminated")
		},
		OnAdapterExit: func() {
			m.onSessionEnded(sessionID, "adapter exited")
		},
		OnChildSession: func(targetID string) {
			m.diags.Record(sessionID, "dap", log.LevelInfo, fmt.Sprintf("child target %s attached", targetID))
		},
	}
}

// onSessionEnded handles both debuggee termination and adapter death:
// the session becomes terminated, waiters unblock, and the record
// stays visible for a grace window before removal.
func (m *Manager) onSessionEnded(sessionID, reason string) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	state := s.State()
	if state == StateTerminated || state == StateError {
		return
	}

	m.transition(s, StateTerminated)
	m.diags.Record(sessionID, "session", log.LevelInfo, reason)

	s.mu.Lock()
	s.notifyPauseWaitersLocked()
	s.mu.Unlock()

	time.AfterFunc(m.opts.RemoveDelay, func() {
		m.removeSession(sessionID)
	})
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	errored := s.State() == StateError
	if client := s.getClient(); client != nil {
		_ = client.Close()
	}
	m.metrics.SessionClosed(errored)
}

// OpResult is the generic value-shaped outcome for operations that
// either work or report why not, without throwing.
type OpResult struct {
	Success bool   `json:"success"`
	State   State  `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// TerminateSession disconnects the adapter (best effort), kills the
// process, and removes the session immediately.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string) (OpResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return OpResult{}, err
	}

	if client := s.getClient(); client != nil {
		dctx, cancel := context.WithTimeout(ctx, m.opts.DisconnectTimeout)
		if derr := client.Disconnect(dctx, true); derr != nil {
			m.diags.Record(sessionID, "session", log.LevelWarn, fmt.Sprintf("disconnect: %v", derr))
		}
		cancel()
	}

	m.transition(s, StateTerminated)
	s.mu.Lock()
	s.notifyPauseWaitersLocked()
	s.mu.Unlock()
	m.removeSession(sessionID)
	return OpResult{Success: true, State: StateTerminated, Message: "session terminated"}, nil
}

// ListSessions returns every session's projection.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// GetSessionInfo returns one session's projection.
func (m *Manager) GetSessionInfo(sessionID string) (SessionInfo, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Info(), nil
}

// GetCapabilities returns the adapter capabilities negotiated for a
// session.
func (m *Manager) GetCapabilities(sessionID string) (godap.Capabilities, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return godap.Capabilities{}, err
	}
	return s.Capabilities(), nil
}

// Shutdown terminates every session, swallowing individual failures,
// then stops the worker pool.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.TerminateSession(ctx, id); err != nil {
			m.log.Warn("terminate during shutdown", "session", id, "error", err)
		}
	}
	_ = m.pool.CloseWithTimeout(5 * time.Second)
}
