// Package process manages the agent CLI subprocess lifecycle: rendering
// argv from a parameter bundle, spawning with piped stdio, decoding the
// stdout event stream, watching stderr, and delivering signals.
package process

// SpawnParams is the full agent parameter bundle. It is stored verbatim on
// the session so a resume re-renders a faithful argv.
type SpawnParams struct {
	// Prompt is the initial prompt, or the follow-up message when
	// ResumeSessionID is set.
	Prompt string `json:"prompt"`

	WorkDir string `json:"working_directory,omitempty"`
	Model   string `json:"model,omitempty"`

	// PermissionMode is the approval policy enum the agent understands
	// (e.g. default, acceptEdits, plan, bypassPermissions).
	PermissionMode string `json:"permission_mode,omitempty"`

	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`

	MaxTurns     int     `json:"max_turns,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty"`

	// Images are paths attached to the prompt.
	Images []string `json:"images,omitempty"`

	SkipGitCheck bool `json:"skip_git_check,omitempty"`

	// BypassApprovals suppresses the approval side-channel entirely; the
	// agent runs with its own permissions wide open.
	BypassApprovals bool `json:"bypass_approvals,omitempty"`

	// ResumeSessionID makes the spawn resume an existing agent session;
	// Prompt becomes the follow-up message.
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// Merge overlays non-zero fields of override onto p and returns the result.
// Used when say() supplies new params for a resume.
func (p SpawnParams) Merge(override SpawnParams) SpawnParams {
	out := p
	if override.Prompt != "" {
		out.Prompt = override.Prompt
	}
	if override.WorkDir != "" {
		out.WorkDir = override.WorkDir
	}
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.PermissionMode != "" {
		out.PermissionMode = override.PermissionMode
	}
	if override.AllowedTools != nil {
		out.AllowedTools = override.AllowedTools
	}
	if override.DisallowedTools != nil {
		out.DisallowedTools = override.DisallowedTools
	}
	if override.MaxTurns != 0 {
		out.MaxTurns = override.MaxTurns
	}
	if override.MaxBudgetUSD != 0 {
		out.MaxBudgetUSD = override.MaxBudgetUSD
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if override.Images != nil {
		out.Images = override.Images
	}
	if override.SkipGitCheck {
		out.SkipGitCheck = true
	}
	if override.BypassApprovals {
		out.BypassApprovals = true
	}
	if override.ResumeSessionID != "" {
		out.ResumeSessionID = override.ResumeSessionID
	}
	return out
}

// RequiresRespawn reports whether applying override to a live session needs
// a fresh process (the agent cannot change these mid-session).
func (p SpawnParams) RequiresRespawn(override SpawnParams) bool {
	if override.PermissionMode != "" && override.PermissionMode != p.PermissionMode {
		return true
	}
	if override.Model != "" && override.Model != p.Model {
		return true
	}
	return false
}
