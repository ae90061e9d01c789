package process

import (
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Proc is the live-process surface the supervisor works against. Handle is
// the production implementation; tests substitute scripted fakes.
type Proc interface {
	// SendUserMessage writes a follow-up prompt to a live-stdin family.
	SendUserMessage(sessionID, content string) error

	// WriteToken writes a short reply token for the inline approval path.
	WriteToken(token string) error

	// Interrupt asks the agent to wind down the current turn.
	Interrupt() error

	// Terminate delivers SIGTERM for supervisor shutdown.
	Terminate() error

	// Kill forcibly ends the process.
	Kill() error

	// Alive reports whether the process has not yet been reaped.
	Alive() bool

	// ExitCode returns the exit code, -1 before exit.
	ExitCode() int

	// Pid returns the process id.
	Pid() int

	// Done is closed once the process has been reaped.
	Done() <-chan struct{}

	// RecentStderr returns the buffered stderr tail for error context.
	RecentStderr() []string
}

var _ Proc = (*Handle)(nil)

// Spawner launches an agent process. The default is Spawn; tests inject
// fakes that drive the sinks from a script.
type Spawner func(cliPath string, policy SpawnPolicy, params SpawnParams, bridgeURL string, sinks Sinks, log *logger.Logger) (Proc, error)

// DefaultSpawner adapts Spawn to the Spawner signature.
func DefaultSpawner(cliPath string, policy SpawnPolicy, params SpawnParams, bridgeURL string, sinks Sinks, log *logger.Logger) (Proc, error) {
	return Spawn(cliPath, policy, params, bridgeURL, sinks, log)
}
