// Package approval brokers the agent's permission requests: classifying them
// into operator-facing questions, holding the pending question until the
// operator answers or a timeout fires, and translating answers back into the
// response shape the agent expects.
package approval

import "encoding/json"

// Kind is the closed set of question kinds.
type Kind string

const (
	// KindToolApproval is a generic tool permission request.
	KindToolApproval Kind = "tool_approval"
	// KindPlanApproval is an "exit plan mode" request.
	KindPlanApproval Kind = "plan_approval"
	// KindQuestion is an explicit multi-part question to the operator.
	KindQuestion Kind = "question"
	// KindCommandApproval is an exec-family command confirmation.
	KindCommandApproval Kind = "command_approval"
	// KindPatchApproval is an exec-family file modification confirmation.
	KindPatchApproval Kind = "patch_approval"
)

// SubQuestion is one operator-facing question with its allowed answers.
type SubQuestion struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Question is the pending operator-facing form of one approval request.
type Question struct {
	// ID is the token supplied by the agent's approval path; respond calls
	// must echo it.
	ID string

	Kind Kind

	// Items holds the operator-facing prompt(s) with their options. Tool
	// and plan approvals have exactly one item.
	Items []SubQuestion

	// OriginalInput is the agent's raw tool input, retained for answer
	// translation. Never exposed to the operator.
	OriginalInput map[string]any

	// Resolve unblocks the side-channel waiting on this question. One-shot;
	// wired by the supervisor when the question is registered.
	Resolve Resolver
}

// Response is the translated answer delivered back to the agent's approval
// path. Wire encoding is side-channel specific; see MarshalBridge and
// MarshalExec.
type Response struct {
	Allow        bool
	Message      string
	UpdatedInput map[string]any
}

// bridgeResponse is the callback-bridge wire shape.
type bridgeResponse struct {
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// execResponse is the exec-family wire shape.
type execResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// MarshalBridge encodes the response as the callback-bridge JSON body
// ({behavior: allow|deny, message?, updatedInput?}).
func (r Response) MarshalBridge() ([]byte, error) {
	behavior := "deny"
	if r.Allow {
		behavior = "allow"
	}
	return json.Marshal(bridgeResponse{
		Behavior:     behavior,
		Message:      r.Message,
		UpdatedInput: r.UpdatedInput,
	})
}

// MarshalExec encodes the response as the exec-family JSON body
// ({approved: bool, reason?}).
func (r Response) MarshalExec() ([]byte, error) {
	return json.Marshal(execResponse{Approved: r.Allow, Reason: r.Message})
}

// DenyTimeout is the auto-deny response used when an approval question is
// not answered in time.
func DenyTimeout() Response {
	return Response{Allow: false, Message: "approval request timed out"}
}
