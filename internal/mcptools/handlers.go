package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	params := spawnParamsFromRequest(req)
	params.Prompt = prompt

	result, err := s.manager.Start(ctx, params)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleSay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	override := spawnParamsFromRequest(req)

	result, err := s.manager.Say(ctx, sessionID, message, override)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view, err := s.manager.Status(sessionID, req.GetInt("output_lines", 0))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	questionID, err := req.RequireString("question_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	answers := req.GetStringSlice("answers", nil)
	if len(answers) == 0 {
		return mcp.NewToolResultError("answers must contain at least one entry"), nil
	}

	result, err := s.manager.Respond(sessionID, questionID, answers)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.manager.Interrupt(sessionID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.manager.List(req.GetString("filter_dir", ""), req.GetInt("limit", 0))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

// spawnParamsFromRequest collects the optional spawn parameters shared by
// start and say.
func spawnParamsFromRequest(req mcp.CallToolRequest) process.SpawnParams {
	return process.SpawnParams{
		WorkDir:         req.GetString("work_dir", ""),
		Model:           req.GetString("model", ""),
		PermissionMode:  req.GetString("permission_mode", ""),
		AllowedTools:    req.GetStringSlice("allowed_tools", nil),
		DisallowedTools: req.GetStringSlice("disallowed_tools", nil),
		MaxTurns:        req.GetInt("max_turns", 0),
		MaxBudgetUSD:    req.GetFloat("max_budget_usd", 0),
		SystemPrompt:    req.GetString("system_prompt", ""),
		Images:          req.GetStringSlice("images", nil),
		SkipGitCheck:    req.GetBool("skip_git_check", false),
		BypassApprovals: req.GetBool("bypass_approvals", false),
	}
}

// jsonResult renders any view as pretty-printed JSON tool output.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// toolError maps supervisor errors to tool-protocol error results. Every
// operational failure is a tool error, not a protocol error.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, supervisor.ErrUnknownSession):
		return mcp.NewToolResultError("unknown session id")
	case errors.Is(err, supervisor.ErrNoPendingQuestion):
		return mcp.NewToolResultError("session has no pending question")
	case errors.Is(err, supervisor.ErrQuestionIDMismatch):
		return mcp.NewToolResultError(err.Error())
	case errors.Is(err, supervisor.ErrNoActiveProcess):
		return mcp.NewToolResultError("session has no running process to interrupt")
	case errors.Is(err, supervisor.ErrCapacityExceeded):
		return mcp.NewToolResultError("maximum concurrent sessions reached, interrupt or finish one first")
	case errors.Is(err, supervisor.ErrAgentBusy):
		return mcp.NewToolResultError("agent is busy with the current turn, wait or interrupt first")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}
