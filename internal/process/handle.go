package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/pkg/claudestream"
	"go.uber.org/zap"
)

// stderrBufferSize is the number of recent stderr lines kept for error
// context.
const stderrBufferSize = 50

// inlineApprovalPattern loosely detects an approval prompt on an inline-I/O
// family's stderr.
var inlineApprovalPattern = regexp.MustCompile(`(?i)\b(allow|approve|apply|permit)\b[^?]*\?`)

// Sinks receives the asynchronous outputs of a spawned process. Event and
// Exit are required; InlineApproval is invoked only for inline-I/O families
// when a stderr line looks like an approval prompt.
type Sinks struct {
	Event          func(claudestream.Event)
	Exit           func(code int, signal os.Signal)
	InlineApproval func(prompt string)
}

// Handle is one live agent CLI process with piped stdio.
type Handle struct {
	cmd    *exec.Cmd
	policy SpawnPolicy
	logger *logger.Logger

	stdin   io.WriteCloser
	stdinMu sync.Mutex

	stderrLines []string
	stderrMu    sync.RWMutex

	exited   atomic.Bool
	exitCode atomic.Int32
	done     chan struct{}
}

// Spawn launches the agent CLI with argv rendered by the policy and wires
// the sinks. The exit sink fires exactly once, after the stdout stream has
// drained.
func Spawn(cliPath string, policy SpawnPolicy, params SpawnParams, bridgeURL string, sinks Sinks, log *logger.Logger) (*Handle, error) {
	args := policy.RenderArgs(params)
	cmd := exec.Command(cliPath, args...)
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	cmd.Env = append(os.Environ(), policy.Env(params, bridgeURL)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	h := &Handle{
		cmd:    cmd,
		policy: policy,
		logger: log.WithFields(
			zap.String("component", "process"),
			zap.String("agent_family", policy.Family()),
		),
		stdin: stdin,
		done:  make(chan struct{}),
	}
	h.exitCode.Store(-1)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cliPath, err)
	}

	h.logger.Info("spawned agent process",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("argc", len(args)),
		zap.Bool("resume", params.ResumeSessionID != ""))

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readEvents(stdout, sinks, &readers)
	go h.readStderr(stderr, params, sinks, &readers)
	go h.reap(sinks, &readers)

	return h, nil
}

// readEvents decodes the stdout stream and forwards events. A decoder
// failure is logged but does not kill the process.
func (h *Handle) readEvents(stdout io.Reader, sinks Sinks, readers *sync.WaitGroup) {
	defer readers.Done()

	decoder := claudestream.NewDecoder(stdout, h.logger)
	for {
		ev, err := decoder.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("stdout stream error", zap.Error(err))
			}
			return
		}
		if sinks.Event != nil {
			sinks.Event(ev)
		}
	}
}

// readStderr buffers recent stderr lines and, for inline-I/O families,
// detects approval prompts.
func (h *Handle) readStderr(stderr io.Reader, params SpawnParams, sinks Sinks, readers *sync.WaitGroup) {
	defer readers.Done()

	detectApprovals := h.policy.ApprovalMode() == ApprovalInline &&
		!params.BypassApprovals && sinks.InlineApproval != nil

	scanner := newLineScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		h.appendStderr(line)

		if detectApprovals && inlineApprovalPattern.MatchString(line) {
			h.logger.Info("detected inline approval prompt")
			sinks.InlineApproval(line)
		}
	}
}

// reap waits for both readers to drain, then reaps the process and fires
// the exit sink once.
func (h *Handle) reap(sinks Sinks, readers *sync.WaitGroup) {
	readers.Wait()

	err := h.cmd.Wait()
	code := 0
	var sig os.Signal
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig = ws.Signal()
			}
		} else {
			code = -1
		}
	}

	h.exitCode.Store(int32(code))
	h.exited.Store(true)
	close(h.done)

	h.logger.Info("agent process exited",
		zap.Int("exit_code", code),
		zap.Any("signal", sig))

	if sinks.Exit != nil {
		sinks.Exit(code, sig)
	}
}

// newLineScanner builds a scanner sized for long CLI diagnostics lines.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return scanner
}

func (h *Handle) appendStderr(line string) {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	h.stderrLines = append(h.stderrLines, line)
	if len(h.stderrLines) > stderrBufferSize {
		h.stderrLines = h.stderrLines[len(h.stderrLines)-stderrBufferSize:]
	}
}

// RecentStderr returns a copy of the buffered stderr lines.
func (h *Handle) RecentStderr() []string {
	h.stderrMu.RLock()
	defer h.stderrMu.RUnlock()
	out := make([]string, len(h.stderrLines))
	copy(out, h.stderrLines)
	return out
}

// SendUserMessage writes a follow-up user message as one stream-json line.
func (h *Handle) SendUserMessage(sessionID, content string) error {
	if !h.policy.SupportsLiveStdin() {
		return fmt.Errorf("agent family %s does not accept live stdin", h.policy.Family())
	}
	payload, err := json.Marshal(claudestream.NewUserMessage(sessionID, content))
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	return h.writeLine(string(payload))
}

// WriteToken writes a short reply token (plus newline) to stdin. Used by
// the inline-I/O approval path.
func (h *Handle) WriteToken(token string) error {
	return h.writeLine(token)
}

func (h *Handle) writeLine(line string) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.exited.Load() {
		return fmt.Errorf("process already exited")
	}
	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		return fmt.Errorf("stdin write failed: %w", err)
	}
	return nil
}

// Interrupt delivers the family's interrupt signal. The agent is expected
// to emit a terminal result event and exit.
func (h *Handle) Interrupt() error {
	if h.exited.Load() || h.cmd.Process == nil {
		return fmt.Errorf("no running process")
	}
	return h.cmd.Process.Signal(h.policy.InterruptSignal())
}

// Terminate delivers SIGTERM, used during supervisor shutdown.
func (h *Handle) Terminate() error {
	if h.exited.Load() || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcibly ends the process. Escalation path when an interrupt is not
// honored within the grace period.
func (h *Handle) Kill() error {
	if h.exited.Load() || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Alive reports whether the process has not yet been reaped.
func (h *Handle) Alive() bool {
	return !h.exited.Load()
}

// ExitCode returns the exit code, or -1 before exit.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

// Pid returns the process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
