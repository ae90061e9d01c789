// Package claudestream provides types and a tolerant decoder for the
// line-delimited JSON event stream emitted by coding-agent CLIs
// (--output-format stream-json and compatible formats).
package claudestream

import "encoding/json"

// Message types on the wire.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back into the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// Result subtypes.
const (
	ResultSuccess     = "success"
	ResultError       = "error_during_execution"
	ResultInterrupted = "interrupted"
	ResultMaxTurns    = "error_max_turns"
)

// Kind discriminates the decoded event sum.
type Kind int

const (
	// KindUnknown is any line whose type tag is not recognized. The raw
	// payload is preserved for observability.
	KindUnknown Kind = iota
	// KindInit is the first event of a fresh spawn; carries the real
	// session id assigned by the agent.
	KindInit
	// KindStream is a chunk of agent output (text delta, tool use start,
	// tool use stop).
	KindStream
	// KindResult marks the end of the current turn.
	KindResult
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindStream:
		return "stream"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

// Event is the decoded sum type. Exactly one of Init, Stream, Result is
// non-nil according to Kind; Raw always holds the original line.
type Event struct {
	Kind Kind
	Type string // original wire type tag
	Raw  json.RawMessage

	Init   *InitEvent
	Stream *StreamEvent
	Result *ResultEvent
}

// InitEvent carries the agent-assigned session id.
type InitEvent struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StreamKind discriminates the inner payload of a stream event.
type StreamKind int

const (
	StreamOther StreamKind = iota
	StreamTextDelta
	StreamToolUseStart
	StreamToolUseStop
)

// StreamEvent is one chunk of agent output.
type StreamEvent struct {
	Inner StreamKind

	// For StreamTextDelta
	Text string

	// For StreamToolUseStart
	ToolName  string
	ToolUseID string
	ToolInput map[string]any
}

// ResultStatus is the terminal status of a turn.
type ResultStatus string

const (
	StatusSuccess     ResultStatus = "success"
	StatusError       ResultStatus = "error"
	StatusInterrupted ResultStatus = "interrupted"
)

// ResultEvent marks the end of a turn with its outcome and metrics.
type ResultEvent struct {
	Status  ResultStatus
	Text    string
	Metrics Metrics
}

// Metrics holds whatever usage information the result event exposed.
type Metrics struct {
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
}

// wireMessage mirrors the union of fields the CLIs put on one stream line.
// The type tag determines which fields are populated.
type wireMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// For assistant messages
	Message *assistantMessage `json:"message,omitempty"`

	// For result messages. Result can be either a string (the final text)
	// or an object, depending on CLI version.
	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`
	TotalCostUSD      float64         `json:"total_cost_usd,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
	Usage             *usage          `json:"usage,omitempty"`
}

type assistantMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// resultText returns the result payload as text whether the CLI emitted a
// bare string or an object with a text field.
func (m *wireMessage) resultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// metrics flattens the usage fields the CLI happened to include.
func (m *wireMessage) metrics() Metrics {
	cost := m.CostUSD
	if cost == 0 {
		cost = m.TotalCostUSD
	}
	in := m.TotalInputTokens
	out := m.TotalOutputTokens
	if m.Usage != nil {
		if in == 0 {
			in = m.Usage.InputTokens
		}
		if out == 0 {
			out = m.Usage.OutputTokens
		}
	}
	return Metrics{
		CostUSD:      cost,
		DurationMS:   m.DurationMS,
		NumTurns:     m.NumTurns,
		InputTokens:  in,
		OutputTokens: out,
	}
}

// UserMessage is the stream-json line written to the agent's stdin for a
// follow-up prompt on a live process.
type UserMessage struct {
	Type      string             `json:"type"`
	Message   UserMessageContent `json:"message"`
	SessionID string             `json:"session_id,omitempty"`
}

// UserMessageContent is the role/content body of a user message.
type UserMessageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage builds a follow-up user message for the given session.
func NewUserMessage(sessionID, content string) UserMessage {
	return UserMessage{
		Type:      MessageTypeUser,
		Message:   UserMessageContent{Role: "user", Content: content},
		SessionID: sessionID,
	}
}
