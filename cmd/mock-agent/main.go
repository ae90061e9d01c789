// Package main implements a mock agent binary that speaks the stream-json
// protocol over stdin/stdout. It simulates turns for supervisor development
// and manual end-to-end testing without a real agent CLI.
//
// Scenario keywords in the prompt select behavior:
//
//	"use tool"  emits a tool use and requests permission via the bridge
//	"fail"      ends the turn with an error result
//	"hang"      never emits a result (interrupt testing)
//
// Anything else produces a short text reply and a success result.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// sessionID is unique per process; each spawn is its own session.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	prompt := parsePromptFlag(os.Args)
	resume := parseFlagValue(os.Args, "--resume")
	if resume != "" {
		sessionID = resume
	}

	enc := json.NewEncoder(os.Stdout)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT)
	go func() {
		<-interrupted
		emit(enc, map[string]any{"type": "result", "subtype": "interrupted"})
		os.Exit(130)
	}()

	emit(enc, map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
		"model":      parseFlagValue(os.Args, "--model"),
	})

	runTurn(enc, prompt)

	// follow-up user messages arrive as stream-json lines
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg struct {
			Type    string `json:"type"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type != "user" {
			continue
		}
		runTurn(enc, msg.Message.Content)
	}
}

func runTurn(enc *json.Encoder, prompt string) {
	lower := strings.ToLower(prompt)

	switch {
	case strings.Contains(lower, "hang"):
		select {} // wait for the interrupt signal

	case strings.Contains(lower, "fail"):
		emitText(enc, "something went wrong, giving up")
		emit(enc, map[string]any{
			"type":     "result",
			"subtype":  "error_during_execution",
			"is_error": true,
			"result":   "simulated failure",
		})

	case strings.Contains(lower, "use tool"):
		emitText(enc, "running a command")
		emit(enc, map[string]any{
			"type": "assistant",
			"message": map[string]any{
				"role": "assistant",
				"content": []map[string]any{{
					"type":  "tool_use",
					"id":    "tu-1",
					"name":  "Bash",
					"input": map[string]any{"command": "echo hello"},
				}},
			},
		})
		allowed := requestPermission("Bash", map[string]any{"command": "echo hello"})
		if allowed {
			emit(enc, map[string]any{
				"type": "user",
				"message": map[string]any{
					"role":    "user",
					"content": []map[string]any{{"type": "tool_result", "tool_use_id": "tu-1"}},
				},
			})
			emitSuccess(enc, "command ran fine")
		} else {
			emitSuccess(enc, "stopped, the tool use was denied")
		}

	default:
		emitText(enc, "acknowledged: "+prompt)
		emitSuccess(enc, "all done")
	}
}

// requestPermission POSTs to the bridge the way the real CLI's permission
// helper does, blocking until the operator answers. Without a bridge URL
// (bypass mode) everything is allowed.
func requestPermission(toolName string, input map[string]any) bool {
	url := os.Getenv("AGENTMUX_PERMISSION_URL")
	if url == "" {
		return true
	}

	body, _ := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"toolName":  toolName,
		"toolInput": input,
		"requestId": fmt.Sprintf("req-%d", time.Now().UnixNano()),
	})
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: permission request failed: %v\n", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	var decision struct {
		Behavior string `json:"behavior"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return false
	}
	return decision.Behavior == "allow"
}

func emitText(enc *json.Encoder, text string) {
	emit(enc, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
}

func emitSuccess(enc *json.Encoder, result string) {
	emit(enc, map[string]any{
		"type":           "result",
		"subtype":        "success",
		"result":         result,
		"num_turns":      1,
		"total_cost_usd": 0.01,
	})
}

func emit(enc *json.Encoder, v map[string]any) {
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode failed: %v\n", err)
	}
}

// parsePromptFlag returns the value after -p, or the last argument.
func parsePromptFlag(args []string) string {
	for i, arg := range args {
		if arg == "-p" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if len(args) > 1 {
		return args[len(args)-1]
	}
	return ""
}

// parseFlagValue returns the value following flag, or "".
func parseFlagValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return ""
}
