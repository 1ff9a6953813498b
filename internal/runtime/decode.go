// ABOUTME: Decoding of the agent CLI's stream-json output lines.
// ABOUTME: The single place upstream wire-shape knowledge lives.

package runtime

import (
	"encoding/json"
	"fmt"
)

// envelope is the outer shape of every stream-json line the CLI emits.
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	CWD       string          `json:"cwd"`
	Message   json.RawMessage `json:"message"`
	Event     json.RawMessage `json:"event"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`

	// result fields
	TotalCostUSD float64    `json:"total_cost_usd"`
	DurationMS   int64      `json:"duration_ms"`
	IsError      bool       `json:"is_error"`
	Usage        *wireUsage `json:"usage"`
}

type wireUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_input_tokens"`
}

type wireMessage struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
}

type wireStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// controlRequest is an in-band request from the CLI that expects a
// control_response on stdin before the turn proceeds.
type controlRequest struct {
	ID       string
	Subtype  string
	ToolName string
	Input    map[string]any
}

type wireControlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

// decodeLine translates one stream-json line into at most one Event or one
// controlRequest. Unrecognized line types return (nil, nil, nil) and are
// dropped for forward compatibility.
func decodeLine(line []byte) (*Event, *controlRequest, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding stream line: %w", err)
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return nil, nil, nil
		}
		return &Event{
			Kind:      KindInit,
			SessionID: env.SessionID,
			Model:     env.Model,
			CWD:       env.CWD,
		}, nil, nil

	case "assistant":
		msg, err := decodeAssistantMessage(env.Message)
		if err != nil {
			return nil, nil, err
		}
		return &Event{Kind: KindAssistantMessage, Message: msg}, nil, nil

	case "stream_event":
		var se wireStreamEvent
		if err := json.Unmarshal(env.Event, &se); err != nil {
			return nil, nil, fmt.Errorf("decoding stream_event: %w", err)
		}
		if se.Type != "content_block_delta" || se.Delta.Type != "text_delta" {
			return nil, nil, nil
		}
		return &Event{Kind: KindTextDelta, Text: se.Delta.Text}, nil, nil

	case "result":
		res := &ResultInfo{
			Cost:       env.TotalCostUSD,
			DurationMS: env.DurationMS,
			IsError:    env.IsError,
		}
		if env.Usage != nil {
			res.InputTokens = env.Usage.InputTokens
			res.OutputTokens = env.Usage.OutputTokens
			res.CacheReadTokens = env.Usage.CacheReadTokens
		}
		return &Event{Kind: KindResult, Result: res}, nil, nil

	case "control_request":
		var req wireControlRequest
		if err := json.Unmarshal(env.Request, &req); err != nil {
			return nil, nil, fmt.Errorf("decoding control_request: %w", err)
		}
		return nil, &controlRequest{
			ID:       env.RequestID,
			Subtype:  req.Subtype,
			ToolName: req.ToolName,
			Input:    req.Input,
		}, nil
	}

	return nil, nil, nil
}

// decodeAssistantMessage flattens a content-block message into a Message,
// concatenating text blocks and collecting tool_use blocks.
func decodeAssistantMessage(raw json.RawMessage) (*Message, error) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, fmt.Errorf("decoding assistant message: %w", err)
	}

	msg := &Message{ID: wm.ID, Model: wm.Model}
	for _, block := range wm.Content {
		switch block.Type {
		case "text":
			msg.Text += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return msg, nil
}
