// ABOUTME: Query driver that runs one agent-runtime turn to completion.
// ABOUTME: Translates runtime events into the relay vocabulary and manages rekeying.

package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ccshell/relay/internal/events"
	"github.com/ccshell/relay/internal/runtime"
	"github.com/ccshell/relay/internal/session"
)

// descriptionLimit bounds the serialized tool input included in a
// permission request description.
const descriptionLimit = 200

// teardownReason resolves approvals orphaned by a turn ending underneath them.
const teardownReason = "Session stopped by user"

// UsageRecorder persists per-turn token usage. Implemented by the store
// package's ledger; nil disables recording.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sessionID, model string, res runtime.ResultInfo) error
}

// Driver starts and supervises turns. One turn per session may be in flight;
// the session record's processing gate enforces that.
type Driver struct {
	registry *session.Registry
	runtime  runtime.Runtime
	ledger   UsageRecorder
	logger   *slog.Logger
}

// New creates a driver. ledger may be nil. Pass nil logger for the default.
func New(registry *session.Registry, rt runtime.Runtime, ledger UsageRecorder, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		registry: registry,
		runtime:  rt,
		ledger:   ledger,
		logger:   logger.With("component", "driver"),
	}
}

// Start begins one turn for the record and returns as soon as the turn is
// dispatched; the turn itself runs detached on a context derived from base
// (the process lifecycle, not the triggering HTTP request). Returns
// session.ErrBusy if a turn is already in flight.
func (d *Driver) Start(base context.Context, rec *session.Record, prompt string) error {
	turnCtx, token, err := rec.BeginTurn(base)
	if err != nil {
		return err
	}

	rec.Publish(events.TypeStatus, events.Status{Text: "thinking"})

	// A canonical id means this continues a conversation the runtime already
	// knows; a provisional id means this is the session's first turn.
	resume := ""
	if rec.Canonical() {
		resume = rec.ID()
	}

	req := runtime.QueryRequest{
		Prompt:     prompt,
		Model:      rec.Model(),
		WorkingDir: rec.WorkingDir(),
		Resume:     resume,
		Permission: d.permissionCallback(rec),
	}

	go d.run(turnCtx, rec, token, req)
	return nil
}

// run consumes the runtime's event stream until exhaustion, failure, or
// cancellation. Cleanup runs on every terminal transition, always against
// the record the turn was begun on (rec may be reassigned to a rekey
// winner below) and gated on the turn token, so a stale turn unwinding
// after a stop never releases or cancels a successor's turn.
func (d *Driver) run(ctx context.Context, rec *session.Record, token uint64, req runtime.QueryRequest) {
	owner := rec
	defer func() {
		owner.DenyAllApprovals(token, teardownReason)
		owner.EndTurn(token)
	}()

	stream, err := d.runtime.Query(ctx, req)
	if err != nil {
		d.logger.Error("turn failed to start", "session_id", rec.ID(), "error", err)
		rec.Publish(events.TypeError, events.ErrorEvent{Message: err.Error()})
		return
	}

	firstTurn := req.Resume == ""
	start := time.Now()

	for ev := range stream {
		switch ev.Kind {
		case runtime.KindInit:
			rec = d.reconcileIdentity(rec, ev, firstTurn)

		case runtime.KindTextDelta:
			rec.Publish(events.TypeTextDelta, events.TextDelta{Text: ev.Text})

		case runtime.KindAssistantMessage:
			rec.Publish(events.TypeAssistantMessage, events.AssistantMessage{
				Message: toChatMessage(ev.Message),
			})

		case runtime.KindResult:
			d.finishTurn(ctx, rec, ev.Result, start)

		case runtime.KindError:
			d.logger.Warn("turn failed", "session_id", rec.ID(), "error", ev.Err)
			rec.Publish(events.TypeError, events.ErrorEvent{Message: ev.Err})
		}
	}
}

// reconcileIdentity rewrites a provisional session id to the runtime's
// canonical one before any content event is published. When the canonical id
// already maps to another record, that record wins and the turn continues
// publishing through it.
func (d *Driver) reconcileIdentity(rec *session.Record, ev runtime.Event, firstTurn bool) *session.Record {
	if ev.CWD != "" {
		rec.SetWorkingDir(ev.CWD)
	}

	if !firstTurn || ev.SessionID == "" || ev.SessionID == rec.ID() {
		return rec
	}

	if winner := d.registry.Rekey(rec.ID(), ev.SessionID); winner != nil {
		rec = winner
	}
	rec.Publish(events.TypeSystemInit, events.SystemInit{
		SessionID: rec.ID(),
		Model:     rec.Model(),
	})
	return rec
}

// finishTurn publishes the terminal result and records usage. Numeric fields
// the runtime omitted are already zero in ResultInfo.
func (d *Driver) finishTurn(ctx context.Context, rec *session.Record, res *runtime.ResultInfo, start time.Time) {
	if res == nil {
		res = &runtime.ResultInfo{}
	}
	duration := res.DurationMS
	if duration == 0 {
		duration = time.Since(start).Milliseconds()
	}

	rec.Publish(events.TypeResult, events.Result{
		Cost: res.Cost,
		Usage: events.TokenUsage{
			InputTokens:     res.InputTokens,
			OutputTokens:    res.OutputTokens,
			CacheReadTokens: res.CacheReadTokens,
		},
		Duration: duration,
	})

	if d.ledger != nil {
		if err := d.ledger.RecordUsage(ctx, rec.ID(), rec.Model(), *res); err != nil {
			d.logger.Error("failed to record usage", "session_id", rec.ID(), "error", err)
		}
	}
}

// permissionCallback brokers one tool approval: it registers a resolver on
// the record, publishes the permission request, and suspends the turn until
// a boundary call, a stop, or cancellation resolves it.
func (d *Driver) permissionCallback(rec *session.Record) runtime.PermissionFunc {
	return func(ctx context.Context, toolName string, input map[string]any) runtime.PermissionDecision {
		requestID := uuid.New().String()
		resolved := rec.RegisterApproval(requestID)

		rec.Publish(events.TypePermissionRequest, events.PermissionRequested{
			Request: events.PermissionRequest{
				RequestID:   requestID,
				ToolName:    toolName,
				ToolInput:   input,
				Description: describeTool(toolName, input),
			},
		})

		select {
		case decision := <-resolved:
			return runtime.PermissionDecision{Allow: decision.Allow, Reason: decision.Reason}
		case <-ctx.Done():
			return runtime.PermissionDecision{Allow: false, Reason: teardownReason}
		}
	}
}

// describeTool builds the human-readable request description:
// "<toolName>: <json input, first 200 characters>". Truncation counts
// characters, not bytes, so a multi-byte rune is never split.
func describeTool(toolName string, input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		data = []byte("{}")
	}
	serialized := string(data)
	if utf8.RuneCountInString(serialized) > descriptionLimit {
		serialized = string([]rune(serialized)[:descriptionLimit])
	}
	return fmt.Sprintf("%s: %s", toolName, serialized)
}

// toChatMessage normalizes a runtime assistant message for the wire.
func toChatMessage(msg *runtime.Message) events.ChatMessage {
	out := events.ChatMessage{
		Role:      "assistant",
		Timestamp: time.Now().UnixMilli(),
	}
	if msg == nil {
		return out
	}

	out.ID = msg.ID
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Model = msg.Model
	out.Content = msg.Text
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, events.ToolCallInfo{
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Input,
		})
	}
	return out
}
