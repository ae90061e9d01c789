// Package mcptools exposes the supervisor's six session operations as MCP
// tools over stdio. The control plane connects to this process's stdin and
// stdout; logs stay on stderr.
package mcptools

import (
	"context"
	"os"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Server wraps the MCP stdio server around a session manager.
type Server struct {
	mcpServer *server.MCPServer
	manager   *supervisor.Manager
	logger    *logger.Logger
}

// New creates the tool server and registers the session tools.
func New(mgr *supervisor.Manager, log *logger.Logger) *Server {
	s := &Server{
		manager: mgr,
		logger:  log.WithFields(zap.String("component", "mcp-tools")),
	}

	s.mcpServer = server.NewMCPServer(
		"agentmux",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// ServeStdio blocks serving the tool protocol on stdin/stdout until the
// stream closes or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("serving session tools on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("start",
			mcp.WithDescription("Start a new agent session with the given prompt. Returns the session id and initial status."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The task prompt for the agent"),
			),
			mcp.WithString("work_dir",
				mcp.Description("Working directory for the agent process"),
			),
			mcp.WithString("model",
				mcp.Description("Model override"),
			),
			mcp.WithString("permission_mode",
				mcp.Description("Permission mode, e.g. default, acceptEdits, plan"),
			),
			mcp.WithArray("allowed_tools",
				mcp.Description("Tool names the agent may use without asking"),
			),
			mcp.WithArray("disallowed_tools",
				mcp.Description("Tool names the agent must not use"),
			),
			mcp.WithNumber("max_turns",
				mcp.Description("Maximum agent turns before stopping"),
			),
			mcp.WithNumber("max_budget_usd",
				mcp.Description("Maximum spend for the session in USD"),
			),
			mcp.WithString("system_prompt",
				mcp.Description("Additional system prompt text"),
			),
			mcp.WithArray("images",
				mcp.Description("Image file paths to attach to the prompt"),
			),
			mcp.WithBoolean("skip_git_check",
				mcp.Description("Skip the agent's git repository safety check"),
			),
			mcp.WithBoolean("bypass_approvals",
				mcp.Description("Auto-approve every tool use without asking the operator"),
			),
		),
		s.handleStart,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("say",
			mcp.WithDescription("Send a follow-up message to an existing session. Resumes the session in a fresh process when needed. Unknown session ids are resumed from the agent's own history."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to address"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The follow-up message"),
			),
			mcp.WithString("model",
				mcp.Description("Model override; forces a fresh process"),
			),
			mcp.WithString("permission_mode",
				mcp.Description("Permission mode override; forces a fresh process"),
			),
			mcp.WithString("work_dir",
				mcp.Description("Working directory when resuming an unknown session"),
			),
			mcp.WithBoolean("bypass_approvals",
				mcp.Description("Auto-approve every tool use without asking the operator"),
			),
		),
		s.handleSay,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Get a snapshot of a session: status, recent output, pending question, tool uses, and metrics."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to inspect"),
			),
			mcp.WithNumber("output_lines",
				mcp.Description("How many recent output lines to include (default 50)"),
			),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("respond",
			mcp.WithDescription("Answer a session's pending question. The question id must match the pending one."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session with the pending question"),
			),
			mcp.WithString("question_id",
				mcp.Required(),
				mcp.Description("The id of the pending question"),
			),
			mcp.WithArray("answers",
				mcp.Required(),
				mcp.Description("One answer per sub-question. The first answer carries the decision; an optional reason follows a colon, e.g. \"deny: touches prod config\""),
			),
		),
		s.handleRespond,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("interrupt",
			mcp.WithDescription("Interrupt a session's current turn. The agent winds down and the session can be resumed with say."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to interrupt"),
			),
		),
		s.handleInterrupt,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list",
			mcp.WithDescription("List known sessions, newest first, merging the agent's on-disk history with live sessions."),
			mcp.WithString("filter_dir",
				mcp.Description("Only include sessions whose project directory matches"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum entries to return (default 50)"),
			),
		),
		s.handleList,
	)

	s.logger.Info("registered session tools", zap.Int("count", 6))
}
