package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ClaudePolicy renders spawns for the claude family: a long-lived process
// speaking stream-json over stdin/stdout, with approvals forwarded through
// the callback bridge by the CLI's permission-prompt hook.
type ClaudePolicy struct {
	// IndexPath overrides the default session index location.
	IndexPath string
}

// Family implements SpawnPolicy.
func (p *ClaudePolicy) Family() string { return "claude" }

// RenderArgs implements SpawnPolicy. Mandatory flags select the streaming
// wire format; optional flags appear only when the corresponding param is
// set so the agent's own defaults apply otherwise.
func (p *ClaudePolicy) RenderArgs(params SpawnParams) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if params.ResumeSessionID != "" {
		args = append(args, "--resume", params.ResumeSessionID)
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if params.PermissionMode != "" {
		args = append(args, "--permission-mode", params.PermissionMode)
	}
	if len(params.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(params.AllowedTools, ","))
	}
	if len(params.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(params.DisallowedTools, ","))
	}
	if params.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", params.MaxTurns))
	}
	if params.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", params.SystemPrompt)
	}
	for _, dir := range params.Images {
		// Image attachments ride along as added directories; the prompt
		// references them by path.
		args = append(args, "--add-dir", filepath.Dir(dir))
	}
	if params.BypassApprovals {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		// Route permission prompts through the bridge helper instead of
		// blocking on a TTY.
		args = append(args, "--permission-prompt-tool", "mcp__agentmux__approve")
	}

	args = append(args, "-p", params.Prompt)
	return args
}

// Env implements SpawnPolicy. The bridge endpoint travels by environment so
// the permission helper knows where to POST.
func (p *ClaudePolicy) Env(params SpawnParams, bridgeURL string) []string {
	if params.BypassApprovals || bridgeURL == "" {
		return nil
	}
	return []string{"AGENTMUX_PERMISSION_URL=" + bridgeURL}
}

// SupportsLiveStdin implements SpawnPolicy.
func (p *ClaudePolicy) SupportsLiveStdin() bool { return true }

// ApprovalMode implements SpawnPolicy.
func (p *ClaudePolicy) ApprovalMode() ApprovalMode { return ApprovalBridge }

// SessionIndexPath implements SpawnPolicy.
func (p *ClaudePolicy) SessionIndexPath() string {
	if p.IndexPath != "" {
		return p.IndexPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "history.jsonl")
}

// IndexLayout implements SpawnPolicy.
func (p *ClaudePolicy) IndexLayout() IndexLayout { return IndexJSONLFile }

// InterruptSignal implements SpawnPolicy.
func (p *ClaudePolicy) InterruptSignal() os.Signal { return syscall.SIGINT }
