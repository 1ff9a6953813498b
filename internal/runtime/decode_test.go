// ABOUTME: Tests for stream-json line decoding into runtime events.
// ABOUTME: Covers every known variant plus the drop-unknown policy.

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine_SystemInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc-123","model":"m1","cwd":"/work"}`)

	ev, ctrl, err := decodeLine(line)
	require.NoError(t, err)
	require.Nil(t, ctrl)
	require.NotNil(t, ev)
	assert.Equal(t, KindInit, ev.Kind)
	assert.Equal(t, "abc-123", ev.SessionID)
	assert.Equal(t, "m1", ev.Model)
	assert.Equal(t, "/work", ev.CWD)
}

func TestDecodeLine_AssistantMessage(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"id":"msg-1","model":"m1","content":[` +
		`{"type":"text","text":"let me "},{"type":"text","text":"check"},` +
		`{"type":"tool_use","id":"tool-1","name":"Bash","input":{"command":"ls"}}]}}`)

	ev, _, err := decodeLine(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindAssistantMessage, ev.Kind)
	assert.Equal(t, "let me check", ev.Message.Text)
	require.Len(t, ev.Message.ToolCalls, 1)
	assert.Equal(t, "Bash", ev.Message.ToolCalls[0].Name)
	assert.Equal(t, "ls", ev.Message.ToolCalls[0].Input["command"])
}

func TestDecodeLine_TextDelta(t *testing.T) {
	line := []byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}}`)

	ev, _, err := decodeLine(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindTextDelta, ev.Kind)
	assert.Equal(t, "hel", ev.Text)
}

func TestDecodeLine_NonTextDeltaDropped(t *testing.T) {
	line := []byte(`{"type":"stream_event","event":{"type":"content_block_start","delta":{}}}`)

	ev, ctrl, err := decodeLine(line)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Nil(t, ctrl)
}

func TestDecodeLine_Result(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","total_cost_usd":0.0125,"duration_ms":4200,` +
		`"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5}}`)

	ev, _, err := decodeLine(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindResult, ev.Kind)
	assert.Equal(t, 0.0125, ev.Result.Cost)
	assert.Equal(t, int64(10), ev.Result.InputTokens)
	assert.Equal(t, int64(20), ev.Result.OutputTokens)
	assert.Equal(t, int64(5), ev.Result.CacheReadTokens)
	assert.Equal(t, int64(4200), ev.Result.DurationMS)
}

func TestDecodeLine_ResultWithoutUsageDefaultsToZero(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","total_cost_usd":0.01}`)

	ev, _, err := decodeLine(line)
	require.NoError(t, err)
	require.NotNil(t, ev.Result)
	assert.Zero(t, ev.Result.InputTokens)
	assert.Zero(t, ev.Result.OutputTokens)
	assert.Zero(t, ev.Result.CacheReadTokens)
}

func TestDecodeLine_ControlRequest(t *testing.T) {
	line := []byte(`{"type":"control_request","request_id":"cr-1","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/tmp/x"}}}`)

	ev, ctrl, err := decodeLine(line)
	require.NoError(t, err)
	assert.Nil(t, ev)
	require.NotNil(t, ctrl)
	assert.Equal(t, "cr-1", ctrl.ID)
	assert.Equal(t, "can_use_tool", ctrl.Subtype)
	assert.Equal(t, "Write", ctrl.ToolName)
	assert.Equal(t, "/tmp/x", ctrl.Input["file_path"])
}

func TestDecodeLine_UnknownTypeDropped(t *testing.T) {
	ev, ctrl, err := decodeLine([]byte(`{"type":"future_thing","payload":{"x":1}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Nil(t, ctrl)
}

func TestDecodeLine_MalformedJSON(t *testing.T) {
	_, _, err := decodeLine([]byte(`{not json`))
	assert.Error(t, err)
}
