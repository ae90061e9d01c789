package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"github.com/agentmux/agentmux/internal/approval"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/pkg/claudestream"
	"go.uber.org/zap"
)

// handleEvent applies one decoded stream event to the session record. Runs
// on the process reader goroutine.
func (m *Manager) handleEvent(s *session.Session, ev claudestream.Event) {
	s.Lock()
	s.History.Append(ev)

	switch ev.Kind {
	case claudestream.KindInit:
		realID := ev.Init.SessionID
		if realID == "" || s.ID == realID {
			s.Unlock()
			return
		}
		oldID := s.ID
		s.ID = realID
		s.Unlock()

		// store after session, per lock ordering
		if m.store.Rekey(oldID, realID) {
			m.logger.Info("session id assigned",
				zap.String("temp_id", oldID),
				zap.String("session_id", realID))
		}
		return

	case claudestream.KindStream:
		switch ev.Stream.Inner {
		case claudestream.StreamToolUseStart:
			s.MarkToolUseStart(ev.Stream.ToolName, ev.Stream.ToolUseID)
		case claudestream.StreamToolUseStop:
			s.MarkToolUseStop(ev.Stream.ToolUseID)
		}

	case claudestream.KindResult:
		m.applyResultLocked(s, ev.Result)
	}
	s.Unlock()
}

// applyResultLocked records the turn outcome. The result event is
// authoritative: it overrides any status the exit handler or an interrupt
// already set.
func (m *Manager) applyResultLocked(s *session.Session, res *claudestream.ResultEvent) {
	s.Metrics = res.Metrics

	switch res.Status {
	case claudestream.StatusSuccess:
		s.Status = session.StatusDone
		s.Result = res.Text
		s.ErrMsg = ""
	case claudestream.StatusInterrupted:
		s.Status = session.StatusInterrupted
	default:
		s.Status = session.StatusError
		s.ErrMsg = res.Text
		if s.ErrMsg == "" {
			s.ErrMsg = "agent reported an error"
		}
	}

	m.endTurnSpanLocked(s)

	m.logger.Info("turn finished",
		zap.String("session_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.Int("num_turns", res.Metrics.NumTurns),
		zap.Float64("cost_usd", res.Metrics.CostUSD))
}

// handleExit records the process exit. A result event seen earlier already
// settled the status; exit only fills in when the process died without one.
// The procSeq guard drops late notifications from a process that has since
// been replaced, so a respawn is never clobbered by its predecessor's exit.
func (m *Manager) handleExit(s *session.Session, procSeq uint64, code int, sig os.Signal) {
	s.Lock()
	if procSeq != s.ProcSeq {
		s.Unlock()
		return
	}

	var stderrTail []string
	if s.Proc != nil {
		stderrTail = s.Proc.RecentStderr()
	}
	s.Proc = nil
	pending := s.Pending

	if !s.Terminal() {
		switch {
		case sig == syscall.SIGINT:
			s.Status = session.StatusInterrupted
		case code == 0:
			s.Status = session.StatusDone
		default:
			s.Status = session.StatusError
			s.ErrMsg = fmt.Sprintf("process exited with code %d", code)
			s.StderrTail = stderrTail
		}
		m.logger.Info("process exit settled session",
			zap.String("session_id", s.ID),
			zap.Int("exit_code", code),
			zap.String("status", string(s.Status)))
	}
	m.endTurnSpanLocked(s)
	s.Unlock()

	// a question cannot outlive its process; deny it so the blocked
	// bridge POST or inline reply goroutine unwinds immediately
	if pending != nil {
		m.reg.Clear(pending.ID)
		if pending.Resolve != nil {
			pending.Resolve(approval.Response{
				Allow:   false,
				Message: "process exited before the question was answered",
			})
		}
		m.clearPending(s, pending.ID, true)
	}
}

// endTurnSpanLocked closes the session's in-flight turn span with the
// settled outcome. Callers must hold the session lock.
func (m *Manager) endTurnSpanLocked(s *session.Session) {
	if s.TurnSpan == nil {
		return
	}
	tracing.TraceTurnResult(s.TurnSpan, string(s.Status), s.Metrics.NumTurns, s.Metrics.CostUSD)
	s.TurnSpan.End()
	s.TurnSpan = nil
}
