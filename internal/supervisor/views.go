package supervisor

import (
	"github.com/agentmux/agentmux/internal/approval"
	"github.com/agentmux/agentmux/internal/discovery"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/pkg/claudestream"
)

// OpResult is the session id / status pair returned by the mutating
// operations.
type OpResult struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
}

// PendingQuestionView is the operator-facing projection of a pending
// question. It never carries the resolver or the raw tool input.
type PendingQuestionView struct {
	ID        string                 `json:"id"`
	Kind      approval.Kind          `json:"kind"`
	Questions []approval.SubQuestion `json:"questions"`
}

// StatusView is the snapshot returned by the status operation.
type StatusView struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// RecentOutput is the last n text deltas in arrival order.
	RecentOutput []string `json:"recent_output"`

	PendingQuestion *PendingQuestionView `json:"pending_question,omitempty"`

	// ToolUses is the ordered list of observed tool invocations.
	ToolUses []session.ToolUse `json:"tool_use_events,omitempty"`

	Metrics claudestream.Metrics `json:"metrics,omitempty"`

	// StderrTail is recent agent stderr, populated on error states for
	// context.
	StderrTail []string `json:"stderr_tail,omitempty"`
}

// ListResult is the response of the list operation.
type ListResult struct {
	Sessions []discovery.Entry `json:"sessions"`
}
