// ABOUTME: Production Runtime implementation driving the agent CLI as a subprocess.
// ABOUTME: Speaks stream-json on stdin/stdout, answering can_use_tool control requests.

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
)

// maxLineSize bounds a single stream-json line. Assistant messages can carry
// large tool outputs.
const maxLineSize = 16 * 1024 * 1024

// CLIRuntime runs one agent CLI process per turn, exchanging stream-json
// lines. The process is killed when the turn context is cancelled.
type CLIRuntime struct {
	binary string
	logger *slog.Logger
}

// NewCLIRuntime creates a runtime that invokes the given binary (e.g.
// "claude"). Pass nil logger for the default.
func NewCLIRuntime(binary string, logger *slog.Logger) *CLIRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{
		binary: binary,
		logger: logger.With("component", "runtime"),
	}
}

// Query starts one turn and returns its ordered event stream. The channel is
// closed when the CLI's output is exhausted or the context is cancelled.
func (c *CLIRuntime) Query(ctx context.Context, req QueryRequest) (<-chan Event, error) {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.binary, err)
	}

	c.logger.Debug("turn started", "model", req.Model, "resume", req.Resume != "")

	if err := writeUserMessage(stdin, req.Prompt); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("writing prompt: %w", err)
	}

	out := make(chan Event, 16)
	go c.consume(ctx, req, cmd, stdin, stdout, &stderr, out)
	return out, nil
}

// consume reads stream-json lines until EOF, translating them into Events
// and answering control requests inline so the turn stays suspended while a
// permission decision is pending.
func (c *CLIRuntime) consume(ctx context.Context, req QueryRequest, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, stderr *bytes.Buffer, out chan<- Event) {
	defer close(out)

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		ev, ctrl, err := decodeLine(line)
		if err != nil {
			c.logger.Warn("skipping malformed stream line", "error", err)
			continue
		}

		if ctrl != nil {
			c.answerControlRequest(ctx, req, stdin, ctrl)
			continue
		}
		if ev == nil {
			continue
		}

		if ev.Kind == KindResult {
			sawResult = true
		}

		select {
		case out <- *ev:
		case <-ctx.Done():
			_ = stdin.Close()
			_ = cmd.Wait()
			return
		}
	}

	_ = stdin.Close()
	waitErr := cmd.Wait()

	if scanErr := scanner.Err(); scanErr != nil {
		out <- Event{Kind: KindError, Err: fmt.Sprintf("reading runtime output: %v", scanErr)}
		return
	}
	if waitErr != nil && !sawResult && ctx.Err() == nil {
		msg := waitErr.Error()
		if s := bytes.TrimSpace(stderr.Bytes()); len(s) > 0 {
			msg = string(s)
		}
		out <- Event{Kind: KindError, Err: msg}
	}
}

// answerControlRequest resolves a can_use_tool request through the turn's
// permission callback and writes the control response. Requests of other
// subtypes are denied as unsupported.
func (c *CLIRuntime) answerControlRequest(ctx context.Context, req QueryRequest, stdin io.Writer, ctrl *controlRequest) {
	decision := PermissionDecision{Allow: false, Reason: "unsupported control request"}
	if ctrl.Subtype == "can_use_tool" {
		if req.Permission != nil {
			decision = req.Permission(ctx, ctrl.ToolName, ctrl.Input)
		} else {
			decision = PermissionDecision{Allow: true}
		}
	}

	if err := writeControlResponse(stdin, ctrl.ID, decision); err != nil {
		c.logger.Error("failed to write control response", "request_id", ctrl.ID, "error", err)
	}
}

// writeUserMessage sends the turn's prompt as the initial stream-json line.
func writeUserMessage(w io.Writer, prompt string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	return writeLine(w, msg)
}

// writeControlResponse answers a control request with an allow/deny behavior.
func writeControlResponse(w io.Writer, requestID string, d PermissionDecision) error {
	inner := map[string]any{"behavior": "allow"}
	if !d.Allow {
		inner = map[string]any{"behavior": "deny", "message": d.Reason}
	}
	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	}
	return writeLine(w, resp)
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
