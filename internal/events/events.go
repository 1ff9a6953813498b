// ABOUTME: Normalized event vocabulary shared by the relay server and clients.
// ABOUTME: Defines the value records exchanged over the SSE stream.

package events

// Event names used on the wire, one per SSE frame.
const (
	TypeSystemInit        = "system_init"
	TypeStatus            = "status"
	TypeTextDelta         = "text_delta"
	TypeAssistantMessage  = "assistant_message"
	TypePermissionRequest = "permission_request"
	TypeResult            = "result"
	TypeError             = "error"
)

// ChatMessage is one message in a conversation transcript.
type ChatMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Model     string         `json:"model,omitempty"`
	ToolCalls []ToolCallInfo `json:"toolCalls,omitempty"`
}

// ToolCallInfo describes a single tool invocation inside a message.
type ToolCallInfo struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output,omitempty"`
}

// TokenUsage carries token accounting from a completed turn.
type TokenUsage struct {
	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CacheReadTokens int64 `json:"cacheReadTokens,omitempty"`
}

// PermissionRequest describes a tool invocation awaiting a human decision.
type PermissionRequest struct {
	RequestID   string         `json:"requestId"`
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput"`
	Description string         `json:"description"`
}

// SystemInit is the payload of a system_init event.
type SystemInit struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// Status is the payload of a status event.
type Status struct {
	Text string `json:"text"`
}

// TextDelta is the payload of a text_delta event.
type TextDelta struct {
	Text string `json:"text"`
}

// AssistantMessage is the payload of an assistant_message event.
type AssistantMessage struct {
	Message ChatMessage `json:"message"`
}

// PermissionRequested is the payload of a permission_request event.
type PermissionRequested struct {
	Request PermissionRequest `json:"request"`
}

// Result is the payload of the terminal result event for a turn.
type Result struct {
	Cost     float64    `json:"cost"`
	Usage    TokenUsage `json:"usage"`
	Duration int64      `json:"duration"`
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	Message string `json:"message"`
}
