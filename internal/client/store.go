// ABOUTME: Reducer-driven client session store consuming the relay's event stream.
// ABOUTME: Maintains UI-visible conversation state in strict arrival order.

package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ccshell/relay/internal/events"
)

// State is the UI-visible conversation state for one session.
type State struct {
	SessionID          string
	Model              string
	Messages           []events.ChatMessage
	StreamingText      string
	IsStreaming        bool
	Usage              events.TokenUsage
	Cost               float64
	Duration           int64
	PendingPermissions []events.PermissionRequest
	LastError          string
}

// Store applies stream events to session state. Events must be applied in
// arrival order; the ordering contract matches the server's FIFO-per-session
// delivery exactly.
type Store struct {
	mu    sync.Mutex
	state State
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.state
	out.Messages = append([]events.ChatMessage(nil), s.state.Messages...)
	out.PendingPermissions = append([]events.PermissionRequest(nil), s.state.PendingPermissions...)
	return out
}

// Apply reduces one named event with its JSON payload into the state.
// Unknown event names are ignored.
func (s *Store) Apply(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case events.TypeSystemInit:
		var init events.SystemInit
		if err := json.Unmarshal(data, &init); err != nil {
			return fmt.Errorf("decoding system_init: %w", err)
		}
		s.state.SessionID = init.SessionID
		s.state.Model = init.Model

	case events.TypeStatus:
		s.state.IsStreaming = true
		s.state.StreamingText = ""

	case events.TypeTextDelta:
		var delta events.TextDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			return fmt.Errorf("decoding text_delta: %w", err)
		}
		s.state.StreamingText += delta.Text
		s.state.IsStreaming = true

	case events.TypeAssistantMessage:
		var am events.AssistantMessage
		if err := json.Unmarshal(data, &am); err != nil {
			return fmt.Errorf("decoding assistant_message: %w", err)
		}
		s.state.Messages = append(s.state.Messages, am.Message)
		s.state.StreamingText = ""
		s.state.IsStreaming = false

	case events.TypePermissionRequest:
		var pr events.PermissionRequested
		if err := json.Unmarshal(data, &pr); err != nil {
			return fmt.Errorf("decoding permission_request: %w", err)
		}
		s.state.PendingPermissions = append(s.state.PendingPermissions, pr.Request)

	case events.TypeResult:
		var res events.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
		s.state.Usage.InputTokens += res.Usage.InputTokens
		s.state.Usage.OutputTokens += res.Usage.OutputTokens
		s.state.Usage.CacheReadTokens += res.Usage.CacheReadTokens
		s.state.Cost += res.Cost
		s.state.Duration = res.Duration
		s.state.IsStreaming = false

	case events.TypeError:
		var ee events.ErrorEvent
		if err := json.Unmarshal(data, &ee); err != nil {
			return fmt.Errorf("decoding error event: %w", err)
		}
		s.state.LastError = ee.Message
		s.state.IsStreaming = false
	}

	return nil
}

// AddUserMessage appends a locally composed user message and marks the
// session as streaming a new turn.
func (s *Store) AddUserMessage(msg events.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Messages = append(s.state.Messages, msg)
	s.state.StreamingText = ""
	s.state.IsStreaming = true
	s.state.LastError = ""
}

// ResolvePermission removes a pending permission after the user answered it.
func (s *Store) ResolvePermission(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.state.PendingPermissions[:0]
	for _, p := range s.state.PendingPermissions {
		if p.RequestID != requestID {
			pending = append(pending, p)
		}
	}
	s.state.PendingPermissions = pending
}

// SwitchSession fully resets local state before loading the new session's
// historical messages, so no event from the previous session leaks into the
// wrong transcript.
func (s *Store) SwitchSession(sessionID string, history []events.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = State{
		SessionID: sessionID,
		Messages:  append([]events.ChatMessage(nil), history...),
	}
}
