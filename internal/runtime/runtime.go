// Package runtime defines the boundary between the orchestrator and the
// agent runtime that actually talks to an LLM and its tools. The runtime
// itself is an external collaborator (spec §1); this package only pins
// down the contract the orchestrator drives it through.
package runtime

import (
	"context"
	"iter"
	"time"
)

// Kind tags the shape of an Event, mirroring the SSE event kinds of
// spec §4.4.2 one-for-one so the orchestrator can translate without a
// lookup table.
type Kind string

const (
	KindInit       Kind = "init"
	KindMessage    Kind = "message"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResult     Kind = "result"
	KindError      Kind = "error"
	KindDone       Kind = "done"
)

// ToolCall is one tool invocation surfaced by the runtime.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Event is one unit of runtime output, grounded on the teacher's
// agent.Event but narrowed to what the orchestrator and SSE writer need:
// no A2A message envelope, no agent-tree bookkeeping.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// SessionID is populated on KindInit: the runtime is the sole source
	// of the authoritative session id when the caller didn't supply one.
	SessionID string

	// Message is incremental assistant text for KindMessage.
	Message string

	// ToolCalls is populated for KindToolUse.
	ToolCalls []ToolCall

	// ToolResults is populated for KindToolResult.
	ToolResults []ToolResult

	// Model, TurnCount and CostUSD are populated on KindResult.
	Model     string
	TurnCount int
	CostUSD   float64

	// ErrorCode/ErrorMessage are populated on KindError.
	ErrorCode    string
	ErrorMessage string
}

// RunRequest is everything the runtime needs to continue one session.
type RunRequest struct {
	SessionID string
	Model     string
	Input     string
	// History is prior transcript content the runtime needs for context
	// when it does not keep its own session state.
	History []HistoryTurn
	// MemoryContext is the system-prompt note the orchestrator injects
	// from a memory search, empty when memory is disabled or came up dry.
	MemoryContext string
}

// HistoryTurn is one prior transcript entry fed to the runtime as context.
type HistoryTurn struct {
	Role    string
	Content string
}

// AgentRuntime is the boundary the orchestrator drives. Implementations
// must stop producing events and return promptly once ctx is canceled;
// the orchestrator relies on this for its cancellation semantics (spec
// §4.4.4 — stop reading, refuse further sends, best-effort persist what
// was already buffered).
type AgentRuntime interface {
	Run(ctx context.Context, req RunRequest) iter.Seq2[*Event, error]
}
