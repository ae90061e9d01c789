// Package supervisor composes the session store, approval machinery, and
// process supervision into the six tool operations: start, say, status,
// respond, interrupt, list.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentmux/agentmux/internal/approval"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/discovery"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/pkg/claudestream"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// realIDWait bounds how long start waits for the agent to report its
	// real session id before returning the temp id.
	realIDWait = 10 * time.Second
	// realIDPoll is the polling interval during realIDWait.
	realIDPoll = 50 * time.Millisecond
	// respawnGrace is how long a mid-session parameter change waits for the
	// interrupted process to exit before escalating to SIGKILL.
	respawnGrace = 5 * time.Second
	// defaultOutputLines is the status operation's recent_output default.
	defaultOutputLines = 50
	// defaultListLimit is the list operation's default truncation.
	defaultListLimit = 50
)

// Manager owns every session this supervisor spawned and serializes each
// session's state changes through the session lock.
type Manager struct {
	cfg     config.SupervisorConfig
	policy  process.SpawnPolicy
	spawner process.Spawner
	store   *session.Store
	reg     *approval.Registry
	bridge  *bridge.Server
	index   *discovery.Reader
	logger  *logger.Logger
}

// Option customizes Manager construction.
type Option func(*Manager)

// WithSpawner replaces the process spawner. Tests use this to script agent
// behavior without real subprocesses.
func WithSpawner(s process.Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithIndexReader replaces the on-disk session index reader.
func WithIndexReader(r *discovery.Reader) Option {
	return func(m *Manager) { m.index = r }
}

// New creates a Manager and, for bridge-mode families, starts the approval
// callback listener.
func New(cfg config.SupervisorConfig, policy process.SpawnPolicy, log *logger.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		policy:  policy,
		spawner: process.DefaultSpawner,
		store:   session.NewStore(cfg.MaxSessions),
		reg:     approval.NewRegistry(cfg.ApprovalTimeout(), log),
		logger:  log.WithFields(zap.String("component", "session-manager")),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.index == nil {
		indexPath := cfg.SessionIndexPath
		if indexPath == "" {
			indexPath = policy.SessionIndexPath()
		}
		m.index = discovery.NewReader(indexPath, policy.IndexLayout(), log)
	}

	if policy.ApprovalMode() == process.ApprovalBridge {
		m.bridge = bridge.New(m.handleBridgeApproval, log)
		if err := m.bridge.Start(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Start spawns a fresh agent session and waits (bounded) for the agent to
// report its real session id.
func (m *Manager) Start(ctx context.Context, params process.SpawnParams) (OpResult, error) {
	tempID := "temp-" + uuid.NewString()
	s := session.New(tempID, params.WorkDir, params, m.cfg.EventBufferSize)

	// the session occupies a slot from insertion, so concurrent starts
	// cannot all pass the capacity check while their spawns are in flight
	s.Spawning = true
	if err := m.store.Insert(s); err != nil {
		return OpResult{}, err
	}

	if err := m.attachProcess(ctx, s, params); err != nil {
		m.store.Remove(tempID)
		return OpResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	id := m.waitForRealID(ctx, s)

	s.Lock()
	status := s.Status
	s.Unlock()

	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.Bool("real_id", id != tempID))

	return OpResult{SessionID: id, Status: status}, nil
}

// Say delivers a follow-up message: over live stdin when the family and
// session state allow it, otherwise by resuming into a fresh process. An
// unknown session id is adopted as a placeholder and resumed; nothing
// verifies the id maps to a real on-disk session.
func (m *Manager) Say(ctx context.Context, sessionID, message string, override process.SpawnParams) (OpResult, error) {
	s := m.store.Get(sessionID)
	if s == nil {
		s = session.NewPlaceholder(sessionID, override, m.cfg.EventBufferSize)
		if err := m.store.Insert(s); err != nil {
			return OpResult{}, err
		}
		m.logger.Info("adopted unknown session for resume",
			zap.String("session_id", sessionID))
	}

	s.Lock()
	proc := s.Proc
	needsRespawn := s.Params.RequiresRespawn(override)
	currentID := s.ID
	s.Unlock()

	alive := proc != nil && proc.Alive()

	if alive && !needsRespawn {
		if !m.policy.SupportsLiveStdin() {
			return OpResult{}, ErrAgentBusy
		}
		err := proc.SendUserMessage(currentID, message)
		if err == nil {
			_, turnSpan := tracing.TraceTurn(ctx, currentID)
			s.Lock()
			if s.TurnSpan != nil {
				s.TurnSpan.End()
			}
			s.TurnSpan = turnSpan
			status := s.Status
			s.Unlock()
			return OpResult{SessionID: currentID, Status: status}, nil
		}
		// stdin gone, fall through to a resume
		m.logger.WithSessionID(currentID).WithError(err).Warn(
			"live stdin write failed, resuming instead")
	}

	if alive {
		// either a parameter change or a broken stdin; both need the old
		// process gone before resuming under the same session id
		if needsRespawn {
			m.logger.Info("parameter change requires a fresh process",
				zap.String("session_id", currentID))
		}
		m.stopForRespawn(ctx, proc)
	}

	if err := m.store.ReserveSlot(s); err != nil {
		return OpResult{}, err
	}

	s.Lock()
	params := s.Params.Merge(override)
	params.Prompt = message
	params.ResumeSessionID = s.ID
	resumeID := s.ID
	s.Unlock()

	if err := m.attachProcess(ctx, s, params); err != nil {
		return OpResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.logger.Info("session resumed", zap.String("session_id", resumeID))
	return OpResult{SessionID: resumeID, Status: session.StatusActive}, nil
}

// Status returns a consistent snapshot of the session.
func (m *Manager) Status(sessionID string, outputLines int) (StatusView, error) {
	s := m.store.Get(sessionID)
	if s == nil {
		return StatusView{}, ErrUnknownSession
	}
	if outputLines <= 0 {
		outputLines = defaultOutputLines
	}

	s.Lock()
	defer s.Unlock()

	view := StatusView{
		SessionID:    s.ID,
		Status:       s.Status,
		Result:       s.Result,
		Error:        s.ErrMsg,
		RecentOutput: s.RecentText(outputLines),
		Metrics:      s.Metrics,
	}
	if len(s.ToolUses) > 0 {
		view.ToolUses = append([]session.ToolUse(nil), s.ToolUses...)
	}
	if s.Status == session.StatusError {
		view.StderrTail = append([]string(nil), s.StderrTail...)
	}
	if s.Pending != nil {
		view.PendingQuestion = &PendingQuestionView{
			ID:        s.Pending.ID,
			Kind:      s.Pending.Kind,
			Questions: append([]approval.SubQuestion(nil), s.Pending.Items...),
		}
	}
	return view, nil
}

// Respond resolves the session's pending question with the operator's
// answers.
func (m *Manager) Respond(sessionID, questionID string, answers []string) (OpResult, error) {
	s := m.store.Get(sessionID)
	if s == nil {
		return OpResult{}, ErrUnknownSession
	}

	s.Lock()
	q := s.Pending
	s.Unlock()

	if q == nil {
		return OpResult{}, ErrNoPendingQuestion
	}
	if q.ID != questionID {
		return OpResult{}, fmt.Errorf("%w: pending %q, got %q", ErrQuestionIDMismatch, q.ID, questionID)
	}

	m.reg.Clear(questionID)
	resp := approval.Translate(q, answers)
	m.clearPending(s, questionID, !resp.Allow)
	if q.Resolve != nil {
		q.Resolve(resp)
	}

	s.Lock()
	status := s.Status
	id := s.ID
	s.Unlock()

	m.logger.Info("question resolved by operator",
		zap.String("session_id", id),
		zap.String("question_id", questionID),
		zap.Bool("allowed", resp.Allow))

	return OpResult{SessionID: id, Status: status}, nil
}

// Interrupt delivers the family's interrupt signal. The status flips to
// interrupted immediately; a later result event may override it.
func (m *Manager) Interrupt(sessionID string) (OpResult, error) {
	s := m.store.Get(sessionID)
	if s == nil {
		return OpResult{}, ErrUnknownSession
	}

	s.Lock()
	defer s.Unlock()

	if s.Proc == nil || !s.Proc.Alive() {
		return OpResult{}, ErrNoActiveProcess
	}
	if err := s.Proc.Interrupt(); err != nil {
		return OpResult{}, fmt.Errorf("failed to interrupt: %w", err)
	}
	s.Status = session.StatusInterrupted

	return OpResult{SessionID: s.ID, Status: s.Status}, nil
}

// List merges the agent's on-disk session index with live in-supervisor
// sessions, newest first.
func (m *Manager) List(filterDir string, limit int) (ListResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	entries := m.index.List()
	position := make(map[string]int, len(entries))
	for i, e := range entries {
		position[e.SessionID] = i
	}

	m.store.ForEach(func(s *session.Session) {
		s.Lock()
		defer s.Unlock()
		if !s.HasRealID() {
			// still on a temp id, the agent owns no record of it yet
			return
		}
		if i, ok := position[s.ID]; ok {
			entries[i].IsActive = true
			entries[i].Status = string(s.Status)
			return
		}
		entries = append(entries, discovery.Entry{
			SessionID: s.ID,
			Timestamp: s.CreatedAt,
			Project:   s.WorkDir,
			IsActive:  true,
			Status:    string(s.Status),
		})
	})

	if filterDir != "" {
		want := filepath.Clean(filterDir)
		filtered := entries[:0]
		for _, e := range entries {
			if e.Project != "" && filepath.Clean(e.Project) == want {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	if entries == nil {
		entries = []discovery.Entry{}
	}
	return ListResult{Sessions: entries}, nil
}

// Shutdown terminates every live process, clears pending question timers,
// and closes the approval bridge. It drains until ctx expires, then kills.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("supervisor shutting down")

	var procs []process.Proc
	m.store.ForEach(func(s *session.Session) {
		s.Lock()
		if s.Proc != nil && s.Proc.Alive() {
			procs = append(procs, s.Proc)
		}
		s.Unlock()
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		if err := p.Terminate(); err != nil {
			m.logger.Warn("failed to signal process", zap.Error(err))
		}
		g.Go(func() error {
			select {
			case <-p.Done():
				return nil
			case <-gctx.Done():
				_ = p.Kill()
				return gctx.Err()
			}
		})
	}

	m.reg.Cleanup()
	if m.bridge != nil {
		if err := m.bridge.Close(ctx); err != nil {
			m.logger.Warn("failed to close approval bridge", zap.Error(err))
		}
	}

	err := g.Wait()
	_ = tracing.Shutdown(ctx)
	return err
}

// BridgeURL returns the approval callback endpoint, empty for inline-I/O
// families.
func (m *Manager) BridgeURL() string {
	if m.bridge == nil {
		return ""
	}
	return m.bridge.URL()
}

// attachProcess spawns the agent with sinks bound to this session and
// attaches the handle under the session lock.
func (m *Manager) attachProcess(ctx context.Context, s *session.Session, params process.SpawnParams) error {
	bridgeURL := ""
	if m.bridge != nil && !params.BypassApprovals {
		bridgeURL = m.bridge.URL()
	}

	s.Lock()
	s.ProcSeq++
	procSeq := s.ProcSeq
	spanID := s.ID
	s.Unlock()

	_, span := tracing.TraceSpawn(ctx, spanID, m.policy.Family(), params.ResumeSessionID != "")
	defer span.End()

	sinks := process.Sinks{
		Event:          func(ev claudestream.Event) { m.handleEvent(s, ev) },
		Exit:           func(code int, sig os.Signal) { m.handleExit(s, procSeq, code, sig) },
		InlineApproval: func(prompt string) { m.handleInlineApproval(s, prompt) },
	}

	proc, err := m.spawner(m.cfg.CLIPath, m.policy, params, bridgeURL, sinks, m.logger)
	if err != nil {
		span.RecordError(err)
		s.Lock()
		s.Spawning = false
		s.Unlock()
		return err
	}

	_, turnSpan := tracing.TraceTurn(ctx, spanID)

	s.Lock()
	s.Proc = proc
	s.Spawning = false
	s.Params = params
	s.Status = session.StatusActive
	s.ErrMsg = ""
	if s.TurnSpan != nil {
		s.TurnSpan.End()
	}
	s.TurnSpan = turnSpan
	s.Unlock()
	return nil
}

// waitForRealID polls until the init event rekeys the session, the wait
// window elapses, or ctx is cancelled. Returns the current id either way.
func (m *Manager) waitForRealID(ctx context.Context, s *session.Session) string {
	deadline := time.After(realIDWait)
	ticker := time.NewTicker(realIDPoll)
	defer ticker.Stop()

	for {
		s.Lock()
		id := s.ID
		real := s.HasRealID()
		terminal := s.Terminal()
		s.Unlock()
		if real || terminal {
			return id
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return id
		case <-ctx.Done():
			return id
		}
	}
}

// stopForRespawn interrupts a live process and waits up to the grace
// period before escalating to SIGKILL.
func (m *Manager) stopForRespawn(ctx context.Context, p process.Proc) {
	_ = p.Interrupt()
	select {
	case <-p.Done():
		return
	case <-time.After(respawnGrace):
	case <-ctx.Done():
	}
	_ = p.Kill()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
	}
}
