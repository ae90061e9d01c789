package process

import "os"

// ApprovalMode selects how a family surfaces approval requests.
type ApprovalMode int

const (
	// ApprovalBridge means the agent forwards approval requests to the
	// supervisor's loopback HTTP endpoint and blocks on the response.
	ApprovalBridge ApprovalMode = iota
	// ApprovalInline means the agent writes an approval prompt to stderr
	// and blocks reading a short token from stdin.
	ApprovalInline
)

// IndexLayout selects the on-disk session index format a family keeps.
type IndexLayout int

const (
	// IndexJSONLFile is a single append-only line-delimited JSON file.
	IndexJSONLFile IndexLayout = iota
	// IndexDateTree is a YYYY/MM/DD/<id>.jsonl directory tree whose first
	// line per file carries the session id.
	IndexDateTree
)

// SpawnPolicy is the per-agent-family strategy bundle. Everything
// family-specific lives behind it: argv rendering, approval side-channel,
// live-stdin capability, and on-disk index layout.
type SpawnPolicy interface {
	// Family is the policy's name ("claude", "exec").
	Family() string

	// RenderArgs renders the argv (without the executable) for params.
	// Optional flags are emitted only when the corresponding param is set.
	RenderArgs(params SpawnParams) []string

	// Env returns extra environment entries for the spawn. bridgeURL is the
	// approval callback endpoint, empty when approvals are bypassed or the
	// family uses inline I/O.
	Env(params SpawnParams, bridgeURL string) []string

	// SupportsLiveStdin reports whether a follow-up message can be written
	// to a running process's stdin. Families without it resume into a fresh
	// process per turn.
	SupportsLiveStdin() bool

	// ApprovalMode selects the approval side-channel.
	ApprovalMode() ApprovalMode

	// SessionIndexPath is the default on-disk session index location.
	SessionIndexPath() string

	// IndexLayout is the index format at SessionIndexPath.
	IndexLayout() IndexLayout

	// InterruptSignal is the signal that asks the agent to wind down the
	// current turn.
	InterruptSignal() os.Signal
}
