// ABOUTME: Read-only access to the agent runtime's own session transcript store.
// ABOUTME: Lists historical sessions and reads back their messages from JSONL files.

package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ccshell/relay/internal/events"
)

// SessionInfo summarizes one historical session from the transcript store.
type SessionInfo struct {
	SessionID    string `json:"sessionId"`
	Summary      string `json:"summary"`
	LastModified int64  `json:"lastModified"`
	FirstPrompt  string `json:"firstPrompt,omitempty"`
	CWD          string `json:"cwd,omitempty"`
}

// HistoryStore reads the runtime's transcript directory. The runtime owns
// persistence; the relay never writes here.
type HistoryStore struct {
	root   string
	logger *slog.Logger
}

// NewHistoryStore creates a reader over root, the directory holding one
// subdirectory per project with one <session-id>.jsonl file per session.
func NewHistoryStore(root string, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{
		root:   root,
		logger: logger.With("component", "history"),
	}
}

// transcriptLine is the subset of a transcript record the relay reads back.
type transcriptLine struct {
	Type      string          `json:"type"`
	Summary   string          `json:"summary"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	Message   json.RawMessage `json:"message"`
}

type transcriptMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type transcriptBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   any            `json:"content"`
}

// ListSessions returns every session in the store, newest first.
// Missing store directories yield an empty list, not an error.
func (h *HistoryStore) ListSessions() ([]SessionInfo, error) {
	paths, err := h.transcriptPaths()
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(paths))
	for _, path := range paths {
		info, err := h.summarize(path)
		if err != nil {
			h.logger.Warn("skipping unreadable transcript", "path", path, "error", err)
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified > infos[j].LastModified
	})
	return infos, nil
}

// Messages reads back the full transcript of one session as chat messages.
func (h *HistoryStore) Messages(sessionID string) ([]events.ChatMessage, error) {
	path, err := h.findTranscript(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var messages []events.ChatMessage
	toolCallIndex := make(map[string]*events.ToolCallInfo)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "user" && line.Type != "assistant" {
			continue
		}

		msg, ok := h.toChatMessage(line, toolCallIndex)
		if ok {
			messages = append(messages, msg)
			// Index tool calls so later tool_result records can attach output.
			last := &messages[len(messages)-1]
			for i := range last.ToolCalls {
				toolCallIndex[last.ToolCalls[i].ID] = &last.ToolCalls[i]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return messages, nil
}

// transcriptPaths lists every .jsonl file one level under the store root.
func (h *HistoryStore) transcriptPaths() ([]string, error) {
	entries, err := os.ReadDir(h.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session store: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(h.root, entry.Name(), "*.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("scanning project dir: %w", err)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

// findTranscript locates the transcript file for a session id.
func (h *HistoryStore) findTranscript(sessionID string) (string, error) {
	paths, err := h.transcriptPaths()
	if err != nil {
		return "", err
	}
	want := sessionID + ".jsonl"
	for _, path := range paths {
		if filepath.Base(path) == want {
			return path, nil
		}
	}
	return "", fmt.Errorf("no transcript for session %s", sessionID)
}

// summarize extracts the session listing fields from one transcript file.
func (h *HistoryStore) summarize(path string) (SessionInfo, error) {
	info := SessionInfo{
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
	}

	st, err := os.Stat(path)
	if err != nil {
		return info, err
	}
	info.LastModified = st.ModTime().UnixMilli()

	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		switch line.Type {
		case "summary":
			if info.Summary == "" {
				info.Summary = line.Summary
			}
		case "user":
			if info.CWD == "" {
				info.CWD = line.CWD
			}
			if info.FirstPrompt == "" {
				if text := userText(line.Message); text != "" {
					info.FirstPrompt = text
				}
			}
		}
		if info.Summary != "" && info.FirstPrompt != "" && info.CWD != "" {
			break
		}
	}

	if info.Summary == "" {
		info.Summary = truncate(info.FirstPrompt, 80)
	}
	return info, nil
}

// toChatMessage converts one transcript record. Records that carry only tool
// results attach their output to the indexed tool call and produce no message.
func (h *HistoryStore) toChatMessage(line transcriptLine, toolCalls map[string]*events.ToolCallInfo) (events.ChatMessage, bool) {
	var tm transcriptMessage
	if err := json.Unmarshal(line.Message, &tm); err != nil {
		return events.ChatMessage{}, false
	}

	msg := events.ChatMessage{
		ID:        line.UUID,
		Role:      tm.Role,
		Model:     tm.Model,
		Timestamp: parseTimestamp(line.Timestamp),
	}
	if msg.ID == "" {
		msg.ID = tm.ID
	}

	// Content is either a plain string or a list of typed blocks.
	var text string
	if json.Unmarshal(tm.Content, &text) == nil {
		msg.Content = text
		return msg, msg.Content != ""
	}

	var blocks []transcriptBlock
	if err := json.Unmarshal(tm.Content, &blocks); err != nil {
		return events.ChatMessage{}, false
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, events.ToolCallInfo{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		case "tool_result":
			if tc, ok := toolCalls[block.ToolUseID]; ok {
				tc.Output = blockContentText(block.Content)
			}
		}
	}

	return msg, msg.Content != "" || len(msg.ToolCalls) > 0
}

// userText returns the text of a user message, handling both content shapes.
func userText(raw json.RawMessage) string {
	var tm transcriptMessage
	if json.Unmarshal(raw, &tm) != nil {
		return ""
	}

	var text string
	if json.Unmarshal(tm.Content, &text) == nil {
		return text
	}

	var blocks []transcriptBlock
	if json.Unmarshal(tm.Content, &blocks) != nil {
		return ""
	}
	for _, block := range blocks {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// blockContentText flattens a tool_result content value to plain text.
func blockContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		return sb.String()
	}
	return ""
}

func parseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
