// ABOUTME: Contract for the external agent runtime consumed by the relay.
// ABOUTME: Defines the query request, permission callback, and the closed event variant.

package runtime

import (
	"context"
)

// EventKind discriminates the closed set of runtime event shapes the relay
// understands. Unknown shapes never reach an Event; the driver drops them.
type EventKind int

const (
	// KindInit announces the runtime-assigned canonical session id.
	KindInit EventKind = iota
	// KindAssistantMessage carries one complete assistant message.
	KindAssistantMessage
	// KindTextDelta carries a partial text fragment for live typing.
	KindTextDelta
	// KindResult terminates a turn with usage accounting.
	KindResult
	// KindError reports a runtime failure mid-turn.
	KindError
)

// Event is one item of the runtime's heterogeneous turn stream, already
// narrowed to the variants the relay consumes. Exactly the fields matching
// Kind are populated.
type Event struct {
	Kind EventKind

	// KindInit
	SessionID string
	Model     string
	CWD       string

	// KindTextDelta
	Text string

	// KindAssistantMessage
	Message *Message

	// KindResult
	Result *ResultInfo

	// KindError
	Err string
}

// Message is a complete assistant message with any tool invocations.
type Message struct {
	ID        string
	Model     string
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a tool invocation collected from an assistant message.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ResultInfo carries the terminal accounting for a turn. Numeric fields
// absent from the runtime payload are zero, never missing.
type ResultInfo struct {
	Cost            float64
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	DurationMS      int64
	IsError         bool
}

// PermissionDecision is the outcome the runtime is handed for a tool request.
type PermissionDecision struct {
	Allow  bool
	Reason string
}

// PermissionFunc arbitrates one tool invocation mid-turn. The runtime awaits
// the returned decision before proceeding; ctx is the turn's cancellation
// handle.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) PermissionDecision

// QueryRequest describes one conversation turn.
type QueryRequest struct {
	Prompt     string
	Model      string
	WorkingDir string
	// Resume is the canonical session id of a prior conversation to
	// continue, empty for a session's first turn.
	Resume     string
	Permission PermissionFunc
}

// Runtime drives one turn of the external conversational agent. The returned
// channel yields events in order and is closed when the turn's stream is
// exhausted; early termination is requested through ctx.
type Runtime interface {
	Query(ctx context.Context, req QueryRequest) (<-chan Event, error)
}
