// ABOUTME: Terminal client for the relay: sends prompts over HTTP and renders
// ABOUTME: the SSE event stream, including interactive permission approvals.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/ccshell/relay/internal/client"
	"github.com/ccshell/relay/internal/events"
)

type app struct {
	server string
	store  *client.Store

	mu        sync.Mutex
	sessionID string
	streaming bool
}

func main() {
	server := flag.String("server", "http://127.0.0.1:3001", "Relay server URL")
	sessionID := flag.String("session", "", "Session ID to resume")
	model := flag.String("model", "", "Model for new sessions")
	flag.Parse()

	fmt.Printf("relay-tui connected to %s\n", *server)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{
		server:    *server,
		store:     client.NewStore(),
		sessionID: *sessionID,
	}

	if a.sessionID != "" {
		a.startStream(ctx, a.sessionID)
	}

	if err := a.run(ctx, *model); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func (a *app) run(ctx context.Context, model string) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print(a.prompt())

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit" || input == "/q":
			return nil

		case input == "/help":
			printHelp()

		case input == "/sessions":
			if err := a.listSessions(ctx); err != nil {
				color.Red("[error] %v", err)
			}

		case input == "/stop":
			if err := a.stop(ctx); err != nil {
				color.Red("[error] %v", err)
			}

		case strings.HasPrefix(input, "/allow"):
			a.answerPermission(ctx, strings.TrimSpace(strings.TrimPrefix(input, "/allow")), true)

		case strings.HasPrefix(input, "/deny"):
			a.answerPermission(ctx, strings.TrimSpace(strings.TrimPrefix(input, "/deny")), false)

		case strings.HasPrefix(input, "/"):
			color.Yellow("Unknown command: %s", input)

		// Bare y/n answers the most recent pending approval.
		case (input == "y" || input == "n") && len(a.store.State().PendingPermissions) > 0:
			a.answerPermission(ctx, "", input == "y")

		default:
			if err := a.send(ctx, input, model); err != nil {
				color.Red("[error] %v", err)
			}
		}
	}
}

func (a *app) prompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID != "" {
		short := a.sessionID
		if len(short) > 8 {
			short = short[:8]
		}
		return fmt.Sprintf("[%s]> ", short)
	}
	return "> "
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /sessions      List recent sessions")
	fmt.Println("  /stop          Cancel the in-flight request")
	fmt.Println("  /allow [id]    Approve a pending tool request")
	fmt.Println("  /deny [id]     Reject a pending tool request")
	fmt.Println("  y / n          Answer the most recent tool request")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// send creates a session on first use, then posts follow-up turns to it.
func (a *app) send(ctx context.Context, content, model string) error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	if sessionID == "" {
		return a.createSession(ctx, content, model)
	}

	body, _ := json.Marshal(map[string]string{"content": content})
	resp, err := a.post(ctx, fmt.Sprintf("/sessions/%s/msg", sessionID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("session is busy; /stop to cancel the current request")
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func (a *app) createSession(ctx context.Context, prompt, model string) error {
	payload := map[string]string{"prompt": prompt}
	if model != "" {
		payload["model"] = model
	}
	body, _ := json.Marshal(payload)

	resp, err := a.post(ctx, "/sessions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var created struct {
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	a.mu.Lock()
	a.sessionID = created.SessionID
	a.mu.Unlock()

	a.startStream(ctx, created.SessionID)
	return nil
}

// startStream attaches to the session's event stream and renders frames until
// the connection drops or the context ends.
func (a *app) startStream(ctx context.Context, sessionID string) {
	a.mu.Lock()
	if a.streaming {
		a.mu.Unlock()
		return
	}
	a.streaming = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.streaming = false
			a.mu.Unlock()
		}()

		url := fmt.Sprintf("%s/sessions/%s/stream", a.server, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			color.Red("[stream error] %v", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				color.Red("[stream error] %v", err)
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			color.Red("[stream error] status %d", resp.StatusCode)
			return
		}

		sr := client.NewStreamReader(resp.Body)
		for {
			frame, err := sr.Next()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					color.Red("[stream error] %v", err)
				}
				return
			}
			a.render(frame)
		}
	}()
}

// render prints one event and folds it into the local session state.
func (a *app) render(frame client.Frame) {
	if err := a.store.Apply(frame.Event, frame.Data); err != nil {
		color.Red("[decode error] %v", err)
		return
	}

	switch frame.Event {
	case events.TypeSystemInit:
		state := a.store.State()
		a.mu.Lock()
		a.sessionID = state.SessionID
		a.mu.Unlock()
		color.New(color.FgHiBlack).Printf("[session %s model %s]\n", state.SessionID, state.Model)

	case events.TypeStatus:
		var st events.Status
		if json.Unmarshal(frame.Data, &st) == nil && st.Text != "" {
			color.New(color.FgHiBlack).Printf("[%s]\n", st.Text)
		}

	case events.TypeTextDelta:
		var delta events.TextDelta
		if json.Unmarshal(frame.Data, &delta) == nil {
			fmt.Print(delta.Text)
		}

	case events.TypeAssistantMessage:
		fmt.Println()

	case events.TypePermissionRequest:
		var pr events.PermissionRequested
		if json.Unmarshal(frame.Data, &pr) == nil {
			color.Yellow("[approval needed] %s", pr.Request.Description)
			color.Yellow("  /allow %s  or  /deny %s", pr.Request.RequestID, pr.Request.RequestID)
		}

	case events.TypeResult:
		var res events.Result
		if json.Unmarshal(frame.Data, &res) == nil {
			color.New(color.FgHiBlack).Printf("[done in %s, $%.4f, %d in / %d out]\n",
				time.Duration(res.Duration)*time.Millisecond,
				res.Cost, res.Usage.InputTokens, res.Usage.OutputTokens)
		}

	case events.TypeError:
		var ee events.ErrorEvent
		if json.Unmarshal(frame.Data, &ee) == nil {
			color.Red("[error] %s", ee.Message)
		}
	}
}

// answerPermission resolves a pending request. With no explicit id, the most
// recent pending request is answered.
func (a *app) answerPermission(ctx context.Context, requestID string, allow bool) {
	if requestID == "" {
		pending := a.store.State().PendingPermissions
		if len(pending) == 0 {
			color.Yellow("No pending permission requests")
			return
		}
		requestID = pending[len(pending)-1].RequestID
	}

	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		color.Yellow("No active session")
		return
	}

	body, _ := json.Marshal(map[string]any{"requestId": requestID, "allow": allow})
	resp, err := a.post(ctx, fmt.Sprintf("/sessions/%s/permission", sessionID), body)
	if err != nil {
		color.Red("[error] %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		color.Red("[error] %v", apiError(resp))
		return
	}

	a.store.ResolvePermission(requestID)
	if allow {
		color.Green("Approved %s", requestID)
	} else {
		color.Yellow("Denied %s", requestID)
	}
}

func (a *app) stop(ctx context.Context) error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		return fmt.Errorf("no active session")
	}

	resp, err := a.post(ctx, fmt.Sprintf("/sessions/%s/stop", sessionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	color.Yellow("Stopped")
	return nil
}

func (a *app) listSessions(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.server+"/sessions", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var sessions []struct {
		SessionID    string `json:"sessionId"`
		Summary      string `json:"summary"`
		LastModified int64  `json:"lastModified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	fmt.Println("Recent sessions:")
	for _, s := range sessions {
		when := time.UnixMilli(s.LastModified).Format("Jan 02 15:04")
		fmt.Printf("  %s  %s  %s\n", s.SessionID, when, truncate(s.Summary, 60))
	}
	return nil
}

func (a *app) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.server+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// apiError extracts the relay's error message from a non-200 response.
func apiError(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok {
				return fmt.Errorf("%s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
