package supervisor

import (
	"errors"

	"github.com/agentmux/agentmux/internal/session"
)

// Error kinds surfaced by the tool operations. The adapter maps these to
// tool-protocol errors with errors.Is.
var (
	// ErrUnknownSession means no session exists for the given id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNoPendingQuestion means respond was called with nothing outstanding.
	ErrNoPendingQuestion = errors.New("no pending question")

	// ErrQuestionIDMismatch means respond named a question that is not the
	// outstanding one.
	ErrQuestionIDMismatch = errors.New("question id mismatch")

	// ErrNoActiveProcess means interrupt was called on a session without a
	// live process.
	ErrNoActiveProcess = errors.New("no active process")

	// ErrCapacityExceeded means max_sessions would be violated.
	ErrCapacityExceeded = session.ErrCapacityExceeded

	// ErrAgentBusy means say needed a fresh process but the current turn is
	// still running on a one-process-per-turn family.
	ErrAgentBusy = errors.New("agent is busy with the current turn")

	// ErrSpawnFailed means the agent CLI could not be started.
	ErrSpawnFailed = errors.New("failed to spawn agent process")
)
