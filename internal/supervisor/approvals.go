package supervisor

import (
	"context"

	"github.com/agentmux/agentmux/internal/approval"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// handleBridgeApproval serves one permission POST from the agent's callback
// helper. It blocks until the operator answers or the question times out,
// which holds the agent's helper on the POST for the same duration.
func (m *Manager) handleBridgeApproval(ctx context.Context, req bridge.PermissionRequest) (approval.Response, error) {
	s := m.store.ResolveApprovalTarget(req.SessionID)
	if s == nil {
		m.logger.Warn("permission request with no matching session",
			zap.String("session_id", req.SessionID))
		return approval.Response{Allow: false, Message: "no session for approval request"}, nil
	}

	s.Lock()
	bypass := s.Params.BypassApprovals
	sessionID := s.ID
	s.Unlock()

	if bypass {
		m.logger.Info("auto-approving, approvals bypassed",
			zap.String("session_id", sessionID),
			zap.String("tool_name", req.ToolName))
		return approval.Response{Allow: true, UpdatedInput: req.ToolInput}, nil
	}

	questionID := req.RequestID
	if questionID == "" {
		questionID = uuid.NewString()
	}

	q := approval.Classify(questionID, req.ToolName, req.ToolInput)
	answered := m.armQuestion(s, q)

	_, span := tracing.TraceApproval(ctx, sessionID, questionID, string(q.Kind))
	defer span.End()

	select {
	case resp := <-answered:
		m.clearPending(s, questionID, !resp.Allow)
		return resp, nil
	case <-ctx.Done():
		// the helper gave up on the POST; deny so the timer stops
		q.Resolve(approval.Response{Allow: false, Message: "approval request cancelled"})
		resp := <-answered
		m.clearPending(s, questionID, true)
		return resp, ctx.Err()
	}
}

// handleInlineApproval converts a detected stderr approval prompt into a
// pending question and answers the agent on stdin once resolved. Runs on the
// process stderr reader goroutine.
func (m *Manager) handleInlineApproval(s *session.Session, prompt string) {
	questionID := uuid.NewString()
	q := approval.ClassifyPrompt(questionID, prompt)
	answered := m.armQuestion(s, q)

	s.Lock()
	proc := s.Proc
	sessionID := s.ID
	s.Unlock()

	go func() {
		resp := <-answered
		m.clearPending(s, questionID, !resp.Allow)

		token := "n"
		if resp.Allow {
			token = "y"
		}
		if proc == nil {
			return
		}
		if err := proc.WriteToken(token); err != nil {
			m.logger.WithSessionID(sessionID).WithError(err).Warn(
				"failed to answer inline approval")
		}
	}()
}

// armQuestion registers the question with its timeout, wires the resolver,
// and installs it as the session's pending question. A still-pending earlier
// question is displaced; its own timer will deny it.
func (m *Manager) armQuestion(s *session.Session, q *approval.Question) <-chan approval.Response {
	answered, resolve := m.reg.Register(q.ID, approval.DenyTimeout)
	q.Resolve = resolve

	s.Lock()
	if s.Pending != nil {
		m.logger.Warn("new approval question displaces a pending one",
			zap.String("session_id", s.ID),
			zap.String("displaced_question_id", s.Pending.ID))
	}
	s.Pending = q
	s.Status = session.StatusAwaitingInput
	s.Unlock()

	m.logger.Info("approval question pending",
		zap.String("question_id", q.ID),
		zap.String("question_kind", string(q.Kind)))

	return answered
}

// clearPending removes the question from the session if it is still the
// pending one and restores the status. Idempotent; both the respond path and
// the channel consumers call it.
func (m *Manager) clearPending(s *session.Session, questionID string, denied bool) {
	s.Lock()
	defer s.Unlock()

	if s.Pending == nil || s.Pending.ID != questionID {
		return
	}
	s.Pending = nil
	if s.Status == session.StatusAwaitingInput {
		s.Status = session.StatusActive
	}
	if denied {
		s.MarkLastToolUseDenied()
	}
}
