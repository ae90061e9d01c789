package process

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ExecPolicy renders spawns for the exec family: one process per turn,
// JSON events on stdout, and approvals surfaced as free-form prompts on
// stderr answered with a y/n token on stdin.
//
// Whether the production CLI really writes approval prompts to stderr (as
// opposed to emitting structured events or just blocking) is unconfirmed;
// validate against the real CLI before relying on the token reply.
type ExecPolicy struct {
	// IndexPath overrides the default session index root.
	IndexPath string
}

// Family implements SpawnPolicy.
func (p *ExecPolicy) Family() string { return "exec" }

// RenderArgs implements SpawnPolicy. A resume uses the resume sub-command
// with the prior session id; the prompt is always the last argument.
func (p *ExecPolicy) RenderArgs(params SpawnParams) []string {
	args := []string{"exec", "--json"}

	if params.ResumeSessionID != "" {
		args = []string{"exec", "resume", params.ResumeSessionID, "--json"}
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if params.WorkDir != "" {
		args = append(args, "--cd", params.WorkDir)
	}
	if params.SkipGitCheck {
		args = append(args, "--skip-git-repo-check")
	}
	if params.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget", fmt.Sprintf("%g", params.MaxBudgetUSD))
	}
	if params.BypassApprovals {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	for _, img := range params.Images {
		args = append(args, "--image", img)
	}

	args = append(args, params.Prompt)
	return args
}

// Env implements SpawnPolicy. The exec family has no callback bridge.
func (p *ExecPolicy) Env(SpawnParams, string) []string { return nil }

// SupportsLiveStdin implements SpawnPolicy. Follow-ups always resume into a
// fresh process.
func (p *ExecPolicy) SupportsLiveStdin() bool { return false }

// ApprovalMode implements SpawnPolicy.
func (p *ExecPolicy) ApprovalMode() ApprovalMode { return ApprovalInline }

// SessionIndexPath implements SpawnPolicy.
func (p *ExecPolicy) SessionIndexPath() string {
	if p.IndexPath != "" {
		return p.IndexPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agent", "sessions")
}

// IndexLayout implements SpawnPolicy.
func (p *ExecPolicy) IndexLayout() IndexLayout { return IndexDateTree }

// InterruptSignal implements SpawnPolicy.
func (p *ExecPolicy) InterruptSignal() os.Signal { return syscall.SIGINT }
