// Package session holds the per-session record, its bounded event history,
// and the concurrent session store.
package session

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/approval"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/pkg/claudestream"
	"go.opentelemetry.io/otel/trace"
)

// Status is the externally observable session state.
type Status string

const (
	StatusActive        Status = "active"
	StatusAwaitingInput Status = "awaiting_input"
	StatusDone          Status = "done"
	StatusError         Status = "error"
	StatusInterrupted   Status = "interrupted"
)

// ToolUseStatus tracks an observed tool use through its lifecycle.
type ToolUseStatus string

const (
	ToolUseRunning   ToolUseStatus = "running"
	ToolUseCompleted ToolUseStatus = "completed"
	ToolUseDenied    ToolUseStatus = "denied"
)

// ToolUse is one observed tool invocation.
type ToolUse struct {
	Name      string        `json:"name"`
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Status    ToolUseStatus `json:"status"`
}

// Session is the central record for one agent conversation.
//
// All field access goes through Lock/Unlock; the supervisor is the only
// mutator and serializes each session's state changes through this lock.
type Session struct {
	mu sync.Mutex

	// ID is the current store key: the agent-assigned id once known,
	// otherwise the provisional temp id.
	ID string

	// TempID is the locally generated id assigned at spawn time. It stays
	// set after rekeying for log correlation.
	TempID string

	Status    Status
	CreatedAt time.Time
	WorkDir   string

	// Params is the spawn parameter bundle, stored verbatim so a resume
	// re-renders the same argv.
	Params process.SpawnParams

	// History is the bounded event ring serving status reads.
	History *Ring[claudestream.Event]

	// ToolUses is the ordered list of observed tool invocations.
	ToolUses []ToolUse

	// Pending is the at-most-one outstanding approval question. Non-nil
	// exactly when Status == StatusAwaitingInput.
	Pending *approval.Question

	// Result holds the final text when Status == StatusDone.
	Result string

	// ErrMsg describes the failure when Status == StatusError.
	ErrMsg string

	// StderrTail is the agent's recent stderr, captured when the process
	// exits in error for status views.
	StderrTail []string

	Metrics claudestream.Metrics

	// Proc is the live agent process, nil when no process is attached.
	Proc process.Proc

	// ProcSeq counts process attachments. Exit notifications carry the
	// value captured at attach time, so a late exit from a process that
	// has since been replaced settles nothing.
	ProcSeq uint64

	// Spawning marks a slot reserved for an attach in flight. Reserved
	// slots count toward the live-process cap alongside live processes.
	Spawning bool

	// TurnSpan is the open tracing span for the in-flight turn, ended
	// when a result event or process exit settles the turn.
	TurnSpan trace.Span

	// seq is the store insertion sequence, used by approval target
	// resolution fallbacks.
	seq uint64
}

// New creates a session in StatusActive with an empty history.
func New(tempID, workDir string, params process.SpawnParams, historyCapacity int) *Session {
	return &Session{
		ID:        tempID,
		TempID:    tempID,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		WorkDir:   workDir,
		Params:    params,
		History:   NewRing[claudestream.Event](historyCapacity),
	}
}

// NewPlaceholder creates a tracked record for a session id this supervisor
// never spawned, so the resume path can adopt it. The id is taken at face
// value; nothing verifies it maps to a real on-disk session.
func NewPlaceholder(id string, params process.SpawnParams, historyCapacity int) *Session {
	return &Session{
		ID:        id,
		Status:    StatusDone,
		CreatedAt: time.Now(),
		WorkDir:   params.WorkDir,
		Params:    params,
		History:   NewRing[claudestream.Event](historyCapacity),
	}
}

// Lock acquires the session's serialization lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's serialization lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// HasRealID reports whether the agent has assigned the session its real id.
// Callers must hold the lock.
func (s *Session) HasRealID() bool {
	return s.ID != s.TempID
}

// Terminal reports whether the session is in a terminal state.
// Callers must hold the lock.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusDone, StatusError, StatusInterrupted:
		return true
	default:
		return false
	}
}

// MarkToolUseStart appends a running tool-use record.
// Callers must hold the lock.
func (s *Session) MarkToolUseStart(name, toolUseID string) {
	s.ToolUses = append(s.ToolUses, ToolUse{
		Name:      name,
		ToolUseID: toolUseID,
		Status:    ToolUseRunning,
	})
}

// MarkToolUseStop marks the matching running tool use as completed. When the
// id is empty, the most recent running record is used.
// Callers must hold the lock.
func (s *Session) MarkToolUseStop(toolUseID string) {
	for i := len(s.ToolUses) - 1; i >= 0; i-- {
		if s.ToolUses[i].Status != ToolUseRunning {
			continue
		}
		if toolUseID == "" || s.ToolUses[i].ToolUseID == toolUseID {
			s.ToolUses[i].Status = ToolUseCompleted
			return
		}
	}
}

// MarkLastToolUseDenied marks the most recent running tool use as denied.
// Callers must hold the lock.
func (s *Session) MarkLastToolUseDenied() {
	for i := len(s.ToolUses) - 1; i >= 0; i-- {
		if s.ToolUses[i].Status == ToolUseRunning {
			s.ToolUses[i].Status = ToolUseDenied
			return
		}
	}
}

// RecentText extracts the last n text deltas from history in arrival order.
// Callers must hold the lock.
func (s *Session) RecentText(n int) []string {
	return ExtractRecent(s.History, n, func(ev claudestream.Event) (string, bool) {
		if ev.Kind == claudestream.KindStream && ev.Stream.Inner == claudestream.StreamTextDelta {
			return ev.Stream.Text, true
		}
		return "", false
	})
}
