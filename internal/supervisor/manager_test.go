package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/pkg/claudestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc is a scripted stand-in for a spawned agent process.
type fakeProc struct {
	mu              sync.Mutex
	alive           bool
	sent            []string
	tokens          []string
	interrupts      int
	sendErr         error
	stderr          []string
	exitOnInterrupt bool
	done            chan struct{}
	exitOnce        sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{alive: true, done: make(chan struct{})}
}

func (p *fakeProc) markExited() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.alive = false
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) SendUserMessage(sessionID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, content)
	return nil
}

func (p *fakeProc) WriteToken(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return nil
}

func (p *fakeProc) Interrupt() error {
	p.mu.Lock()
	p.interrupts++
	exit := p.exitOnInterrupt
	p.mu.Unlock()
	if exit {
		p.markExited()
	}
	return nil
}

func (p *fakeProc) Terminate() error { p.markExited(); return nil }
func (p *fakeProc) Kill() error      { p.markExited(); return nil }

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) ExitCode() int          { return 0 }
func (p *fakeProc) Pid() int               { return 4242 }
func (p *fakeProc) Done() <-chan struct{}  { return p.done }
func (p *fakeProc) RecentStderr() []string { return p.stderr }

func (p *fakeProc) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakeProc) writtenTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

// spawnRecord captures one spawner invocation with its sinks, so tests can
// drive events into the manager.
type spawnRecord struct {
	params    process.SpawnParams
	bridgeURL string
	proc      *fakeProc
	sinks     process.Sinks
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawns  []*spawnRecord
	onSpawn func(rec *spawnRecord)
}

func (f *fakeSpawner) spawn(cliPath string, policy process.SpawnPolicy, params process.SpawnParams, bridgeURL string, sinks process.Sinks, log *logger.Logger) (process.Proc, error) {
	rec := &spawnRecord{params: params, bridgeURL: bridgeURL, proc: newFakeProc(), sinks: sinks}
	f.mu.Lock()
	f.spawns = append(f.spawns, rec)
	onSpawn := f.onSpawn
	f.mu.Unlock()
	if onSpawn != nil {
		go onSpawn(rec)
	}
	return rec.proc, nil
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeSpawner) lastSpawn() *spawnRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawns) == 0 {
		return nil
	}
	return f.spawns[len(f.spawns)-1]
}

func initEvent(sessionID string) claudestream.Event {
	return claudestream.Event{
		Kind: claudestream.KindInit,
		Init: &claudestream.InitEvent{SessionID: sessionID},
	}
}

func textEvent(text string) claudestream.Event {
	return claudestream.Event{
		Kind:   claudestream.KindStream,
		Stream: &claudestream.StreamEvent{Inner: claudestream.StreamTextDelta, Text: text},
	}
}

func toolStartEvent(name, id string) claudestream.Event {
	return claudestream.Event{
		Kind:   claudestream.KindStream,
		Stream: &claudestream.StreamEvent{Inner: claudestream.StreamToolUseStart, ToolName: name, ToolUseID: id},
	}
}

func resultEvent(status claudestream.ResultStatus, text string) claudestream.Event {
	return claudestream.Event{
		Kind:   claudestream.KindResult,
		Result: &claudestream.ResultEvent{Status: status, Text: text, Metrics: claudestream.Metrics{NumTurns: 2, CostUSD: 0.1}},
	}
}

func managerTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		CLIPath:           "agent-cli",
		Family:            "claude",
		ApprovalTimeoutMS: 60_000,
		MaxSessions:       4,
		EventBufferSize:   64,
	}
}

func newTestManager(t *testing.T, cfg config.SupervisorConfig, policy process.SpawnPolicy) (*Manager, *fakeSpawner) {
	t.Helper()
	spawner := &fakeSpawner{}
	mgr, err := New(cfg, policy, managerTestLogger(t), WithSpawner(spawner.spawn))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, spawner
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartAssignsRealSessionID(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.Event(textEvent("working on it"))
	}

	res, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)
	assert.Equal(t, "real-1", res.SessionID)
	assert.Equal(t, session.StatusActive, res.Status)

	view, err := mgr.Status("real-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"working on it"}, view.RecentOutput)

	rec := spawner.lastSpawn()
	assert.Equal(t, "build", rec.params.Prompt)
	assert.NotEmpty(t, rec.bridgeURL)
}

func TestStartReturnsTempIDWhenInitNeverArrives(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(), &process.ClaudePolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := mgr.Start(ctx, process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)
	assert.Contains(t, res.SessionID, "temp-")
}

func TestTurnCompletesWithResult(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.Event(toolStartEvent("Bash", "tu-1"))
		rec.sinks.Event(textEvent("done with the task"))
		rec.sinks.Event(resultEvent(claudestream.StatusSuccess, "finished"))
		rec.proc.markExited()
		rec.sinks.Exit(0, nil)
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.Status == session.StatusDone
	}, "session never reached done")

	view, err := mgr.Status("real-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "finished", view.Result)
	assert.Equal(t, 2, view.Metrics.NumTurns)
	require.Len(t, view.ToolUses, 1)
	assert.Equal(t, "Bash", view.ToolUses[0].Name)
}

func TestResultOverridesExitStatus(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.Event(resultEvent(claudestream.StatusError, "model refused"))
		rec.proc.markExited()
		// clean exit code must not overwrite the error result
		rec.sinks.Exit(0, nil)
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.Status == session.StatusError
	}, "session never reached error")

	view, _ := mgr.Status("real-1", 10)
	assert.Equal(t, "model refused", view.Error)
}

func TestExitWithoutResultIsError(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.proc.stderr = []string{"panic: out of cheese"}
		rec.proc.markExited()
		rec.sinks.Exit(3, nil)
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.Status == session.StatusError
	}, "session never reached error")

	view, _ := mgr.Status("real-1", 10)
	assert.Contains(t, view.Error, "exited with code 3")
	assert.Equal(t, []string{"panic: out of cheese"}, view.StderrTail)
}

func TestApprovalRoundTrip(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.Event(toolStartEvent("Bash", "tu-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	respCh := make(chan struct {
		resp bridgeResponse
		err  error
	}, 1)
	go func() {
		resp, err := mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
			SessionID: "real-1",
			ToolName:  "Bash",
			ToolInput: map[string]any{"command": "rm -rf ./build"},
			RequestID: "req-1",
		})
		respCh <- struct {
			resp bridgeResponse
			err  error
		}{bridgeResponse{allow: resp.Allow, message: resp.Message}, err}
	}()

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.PendingQuestion != nil
	}, "question never became pending")

	view, _ := mgr.Status("real-1", 10)
	assert.Equal(t, session.StatusAwaitingInput, view.Status)
	assert.Equal(t, "req-1", view.PendingQuestion.ID)
	require.Len(t, view.PendingQuestion.Questions, 1)
	assert.Contains(t, view.PendingQuestion.Questions[0].Question, "Bash")

	res, err := mgr.Respond("real-1", "req-1", []string{"allow"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, res.Status)

	got := <-respCh
	require.NoError(t, got.err)
	assert.True(t, got.resp.allow)

	view, _ = mgr.Status("real-1", 10)
	assert.Nil(t, view.PendingQuestion)
}

type bridgeResponse struct {
	allow   bool
	message string
}

func TestApprovalDenyMarksToolUseDenied(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.Event(toolStartEvent("Bash", "tu-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	done := make(chan bridgeResponse, 1)
	go func() {
		resp, _ := mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
			SessionID: "real-1", ToolName: "Bash", RequestID: "req-1",
		})
		done <- bridgeResponse{allow: resp.Allow, message: resp.Message}
	}()

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.PendingQuestion != nil
	}, "question never became pending")

	_, err = mgr.Respond("real-1", "req-1", []string{"deny: touches the build dir"})
	require.NoError(t, err)

	resp := <-done
	assert.False(t, resp.allow)
	assert.Equal(t, "touches the build dir", resp.message)

	view, _ := mgr.Status("real-1", 10)
	require.Len(t, view.ToolUses, 1)
	assert.Equal(t, session.ToolUseDenied, view.ToolUses[0].Status)
}

func TestApprovalTimesOutToDeny(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalTimeoutMS = 30
	mgr, spawner := newTestManager(t, cfg, &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	resp, err := mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
		SessionID: "real-1", ToolName: "Bash", RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, resp.Allow)
	assert.Equal(t, "approval request timed out", resp.Message)

	// the pending question is gone and the session is usable again
	view, _ := mgr.Status("real-1", 10)
	assert.Nil(t, view.PendingQuestion)
	assert.Equal(t, session.StatusActive, view.Status)
}

func TestApprovalBypassAutoApproves(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build", BypassApprovals: true})
	require.NoError(t, err)

	resp, err := mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
		SessionID: "real-1", ToolName: "Bash", ToolInput: map[string]any{"command": "ls"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Allow)

	view, _ := mgr.Status("real-1", 10)
	assert.Nil(t, view.PendingQuestion)
}

func TestApprovalBeforeInitResolvesTempSession(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := mgr.Start(ctx, process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)
	require.Contains(t, res.SessionID, "temp-")
	require.Equal(t, 1, spawner.spawnCount())

	done := make(chan bool, 1)
	go func() {
		resp, _ := mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
			SessionID: "unknown", ToolName: "Bash", RequestID: "req-1",
		})
		done <- resp.Allow
	}()

	waitFor(t, func() bool {
		view, err := mgr.Status(res.SessionID, 10)
		return err == nil && view.PendingQuestion != nil
	}, "question never attached to the temp session")

	_, err = mgr.Respond(res.SessionID, "req-1", []string{"allow"})
	require.NoError(t, err)
	assert.True(t, <-done)
}

func TestRespondErrors(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	_, err = mgr.Respond("missing", "q-1", []string{"allow"})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = mgr.Respond("real-1", "q-1", []string{"allow"})
	assert.ErrorIs(t, err, ErrNoPendingQuestion)

	go func() {
		_, _ = mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
			SessionID: "real-1", ToolName: "Bash", RequestID: "req-9",
		})
	}()
	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.PendingQuestion != nil
	}, "question never became pending")

	_, err = mgr.Respond("real-1", "wrong-id", []string{"allow"})
	assert.ErrorIs(t, err, ErrQuestionIDMismatch)

	_, err = mgr.Respond("real-1", "req-9", []string{"allow"})
	assert.NoError(t, err)
}

func TestInterrupt(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	res, err := mgr.Interrupt("real-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterrupted, res.Status)

	rec := spawner.lastSpawn()
	assert.Equal(t, 1, rec.proc.interrupts)

	// SIGINT exit keeps the interrupted status
	rec.proc.markExited()
	rec.sinks.Exit(130, syscall.SIGINT)

	view, _ := mgr.Status("real-1", 10)
	assert.Equal(t, session.StatusInterrupted, view.Status)

	_, err = mgr.Interrupt("real-1")
	assert.ErrorIs(t, err, ErrNoActiveProcess)

	_, err = mgr.Interrupt("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSayOverLiveStdin(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	res, err := mgr.Say(context.Background(), "real-1", "also add tests", process.SpawnParams{})
	require.NoError(t, err)
	assert.Equal(t, "real-1", res.SessionID)

	rec := spawner.lastSpawn()
	assert.Equal(t, []string{"also add tests"}, rec.proc.sentMessages())
	assert.Equal(t, 1, spawner.spawnCount())
}

func TestSayResumesFinishedSession(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		if rec.params.ResumeSessionID == "" {
			rec.sinks.Event(initEvent("real-1"))
			rec.sinks.Event(resultEvent(claudestream.StatusSuccess, "done"))
			rec.proc.markExited()
			rec.sinks.Exit(0, nil)
		}
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build", WorkDir: "/repo"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.Status == session.StatusDone
	}, "first turn never finished")

	res, err := mgr.Say(context.Background(), "real-1", "one more thing", process.SpawnParams{})
	require.NoError(t, err)
	assert.Equal(t, "real-1", res.SessionID)
	assert.Equal(t, session.StatusActive, res.Status)

	require.Equal(t, 2, spawner.spawnCount())
	rec := spawner.lastSpawn()
	assert.Equal(t, "real-1", rec.params.ResumeSessionID)
	assert.Equal(t, "one more thing", rec.params.Prompt)
	// original params carry over
	assert.Equal(t, "/repo", rec.params.WorkDir)
}

func TestSayParamChangeRespawns(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		if rec.params.ResumeSessionID == "" {
			rec.sinks.Event(initEvent("real-1"))
		}
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build", Model: "fast"})
	require.NoError(t, err)

	first := spawner.lastSpawn()
	first.proc.exitOnInterrupt = true

	res, err := mgr.Say(context.Background(), "real-1", "switch models", process.SpawnParams{Model: "smart"})
	require.NoError(t, err)
	assert.Equal(t, "real-1", res.SessionID)

	require.Equal(t, 2, spawner.spawnCount())
	assert.Equal(t, 1, first.proc.interrupts)
	rec := spawner.lastSpawn()
	assert.Equal(t, "smart", rec.params.Model)
	assert.Equal(t, "real-1", rec.params.ResumeSessionID)
}

func TestLateExitFromReplacedProcessIgnored(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		if rec.params.ResumeSessionID == "" {
			rec.sinks.Event(initEvent("real-1"))
		}
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build", Model: "fast"})
	require.NoError(t, err)

	first := spawner.lastSpawn()
	first.proc.exitOnInterrupt = true

	_, err = mgr.Say(context.Background(), "real-1", "switch models", process.SpawnParams{Model: "smart"})
	require.NoError(t, err)
	require.Equal(t, 2, spawner.spawnCount())

	// the replaced process's reaper reports its exit after the respawn
	first.sinks.Exit(130, syscall.SIGINT)

	view, err := mgr.Status("real-1", 10)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, view.Status)

	// the replacement is still attached and interruptible
	res, err := mgr.Interrupt("real-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterrupted, res.Status)
}

func TestExitWithPendingQuestionDeniesIt(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.Event(toolStartEvent("Bash", "tu-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	done := make(chan bridgeResponse, 1)
	go func() {
		resp, _ := mgr.handleBridgeApproval(context.Background(), bridge.PermissionRequest{
			SessionID: "real-1", ToolName: "Bash", RequestID: "req-1",
		})
		done <- bridgeResponse{allow: resp.Allow, message: resp.Message}
	}()

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.PendingQuestion != nil
	}, "question never became pending")

	rec := spawner.lastSpawn()
	rec.proc.markExited()
	rec.sinks.Exit(1, nil)

	// the blocked bridge POST unwinds with a denial
	resp := <-done
	assert.False(t, resp.allow)
	assert.Contains(t, resp.message, "process exited")

	view, err := mgr.Status("real-1", 10)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, view.Status)
	assert.Nil(t, view.PendingQuestion)
	require.Len(t, view.ToolUses, 1)
	assert.Equal(t, session.ToolUseDenied, view.ToolUses[0].Status)
}

func TestConcurrentStartsRespectCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1

	spawner := &fakeSpawner{}
	release := make(chan struct{})
	gated := func(cliPath string, policy process.SpawnPolicy, params process.SpawnParams, bridgeURL string, sinks process.Sinks, log *logger.Logger) (process.Proc, error) {
		<-release
		return spawner.spawn(cliPath, policy, params, bridgeURL, sinks, log)
	}

	mgr, err := New(cfg, &process.ClaudePolicy{}, managerTestLogger(t), WithSpawner(gated))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			_, err := mgr.Start(ctx, process.SpawnParams{Prompt: "race"})
			errs <- err
		}()
	}

	// the loser is rejected while the winner's spawn is still in flight
	assert.ErrorIs(t, <-errs, ErrCapacityExceeded)
	close(release)
	assert.NoError(t, <-errs)
	assert.Equal(t, 1, spawner.spawnCount())
}

func TestTurnSpanSettledWithResult(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	s := mgr.store.Get("real-1")
	require.NotNil(t, s)
	s.Lock()
	open := s.TurnSpan != nil
	s.Unlock()
	assert.True(t, open)

	spawner.lastSpawn().sinks.Event(resultEvent(claudestream.StatusSuccess, "done"))

	s.Lock()
	open = s.TurnSpan != nil
	s.Unlock()
	assert.False(t, open)
}

func TestSayBusyOnOneProcessPerTurnFamily(t *testing.T) {
	cfg := testConfig()
	cfg.Family = "exec"
	mgr, spawner := newTestManager(t, cfg, &process.ExecPolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	_, err = mgr.Say(context.Background(), "real-1", "more", process.SpawnParams{})
	assert.ErrorIs(t, err, ErrAgentBusy)
}

func TestSayAdoptsUnknownSessionID(t *testing.T) {
	mgr, spawner := newTestManager(t, testConfig(), &process.ClaudePolicy{})

	res, err := mgr.Say(context.Background(), "historic-42", "pick this back up", process.SpawnParams{WorkDir: "/old"})
	require.NoError(t, err)
	assert.Equal(t, "historic-42", res.SessionID)

	require.Equal(t, 1, spawner.spawnCount())
	rec := spawner.lastSpawn()
	assert.Equal(t, "historic-42", rec.params.ResumeSessionID)
	assert.Equal(t, "pick this back up", rec.params.Prompt)
	assert.Equal(t, "/old", rec.params.WorkDir)
}

func TestStartCapacityLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	mgr, spawner := newTestManager(t, cfg, &process.ClaudePolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "one"})
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), process.SpawnParams{Prompt: "two"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// a finished process frees the slot
	rec := spawner.lastSpawn()
	rec.proc.markExited()
	rec.sinks.Exit(0, nil)

	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-2"))
	}
	_, err = mgr.Start(context.Background(), process.SpawnParams{Prompt: "three"})
	assert.NoError(t, err)
}

func TestStatusUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(), &process.ClaudePolicy{})
	_, err := mgr.Status("missing", 10)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestInlineApprovalAnswersOnStdin(t *testing.T) {
	cfg := testConfig()
	cfg.Family = "exec"
	mgr, spawner := newTestManager(t, cfg, &process.ExecPolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.InlineApproval("Allow command `git push`? [y/n]")
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.PendingQuestion != nil
	}, "inline question never became pending")

	view, _ := mgr.Status("real-1", 10)
	questionID := view.PendingQuestion.ID
	assert.Contains(t, view.PendingQuestion.Questions[0].Question, "git push")

	_, err = mgr.Respond("real-1", questionID, []string{"approve"})
	require.NoError(t, err)

	rec := spawner.lastSpawn()
	waitFor(t, func() bool {
		tokens := rec.proc.writtenTokens()
		return len(tokens) == 1 && tokens[0] == "y"
	}, "approval token never written")
}

func TestInlineApprovalDenyWritesN(t *testing.T) {
	cfg := testConfig()
	cfg.Family = "exec"
	mgr, spawner := newTestManager(t, cfg, &process.ExecPolicy{})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
		rec.sinks.InlineApproval("Apply patch to main.go?")
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		view, err := mgr.Status("real-1", 10)
		return err == nil && view.PendingQuestion != nil
	}, "inline question never became pending")

	view, _ := mgr.Status("real-1", 10)
	_, err = mgr.Respond("real-1", view.PendingQuestion.ID, []string{"deny"})
	require.NoError(t, err)

	rec := spawner.lastSpawn()
	waitFor(t, func() bool {
		tokens := rec.proc.writtenTokens()
		return len(tokens) == 1 && tokens[0] == "n"
	}, "denial token never written")
}

func TestListMergesIndexAndLiveSessions(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(indexPath, []byte(
		`{"session_id":"real-1","timestamp":"2026-08-20T10:00:00Z","project":"/repo"}`+"\n"+
			`{"session_id":"old-7","timestamp":"2026-08-01T10:00:00Z","project":"/elsewhere"}`+"\n"), 0o644))

	cfg := testConfig()
	cfg.SessionIndexPath = indexPath
	mgr, spawner := newTestManager(t, cfg, &process.ClaudePolicy{IndexPath: indexPath})
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err := mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	res, err := mgr.List("", 0)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)

	byID := map[string]bool{}
	for _, e := range res.Sessions {
		byID[e.SessionID] = e.IsActive
	}
	assert.True(t, byID["real-1"])
	assert.False(t, byID["old-7"])
}

func TestListFilterAndLimit(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(indexPath, []byte(
		`{"session_id":"a","timestamp":"2026-08-20T10:00:00Z","project":"/repo"}`+"\n"+
			`{"session_id":"b","timestamp":"2026-08-21T10:00:00Z","project":"/repo"}`+"\n"+
			`{"session_id":"c","timestamp":"2026-08-22T10:00:00Z","project":"/other"}`+"\n"), 0o644))

	cfg := testConfig()
	cfg.SessionIndexPath = indexPath
	mgr, _ := newTestManager(t, cfg, &process.ClaudePolicy{IndexPath: indexPath})

	res, err := mgr.List("/repo", 0)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "b", res.Sessions[0].SessionID)
	assert.Equal(t, "a", res.Sessions[1].SessionID)

	res, err = mgr.List("", 1)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, "c", res.Sessions[0].SessionID)
}

func TestShutdownTerminatesLiveProcesses(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, err := New(testConfig(), &process.ClaudePolicy{}, managerTestLogger(t), WithSpawner(spawner.spawn))
	require.NoError(t, err)
	spawner.onSpawn = func(rec *spawnRecord) {
		rec.sinks.Event(initEvent("real-1"))
	}

	_, err = mgr.Start(context.Background(), process.SpawnParams{Prompt: "build"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	rec := spawner.lastSpawn()
	assert.False(t, rec.proc.Alive())
}
