// ABOUTME: Tests for the query driver using a scripted fake runtime.
// ABOUTME: Covers busy gating, rekeying, event translation, permissions, and cleanup.

package query

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccshell/relay/internal/events"
	"github.com/ccshell/relay/internal/runtime"
	"github.com/ccshell/relay/internal/session"
)

// fakeRuntime scripts one turn per Query call through feed.
type fakeRuntime struct {
	mu       sync.Mutex
	requests []runtime.QueryRequest
	contexts []context.Context
	feed     func(req runtime.QueryRequest, out chan<- runtime.Event)
	queryErr error
}

func (f *fakeRuntime) Query(ctx context.Context, req runtime.QueryRequest) (<-chan runtime.Event, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.contexts = append(f.contexts, ctx)
	f.mu.Unlock()

	out := make(chan runtime.Event)
	go func() {
		defer close(out)
		if f.feed != nil {
			f.feed(req, out)
		}
	}()
	return out, nil
}

func (f *fakeRuntime) lastRequest(t *testing.T) runtime.QueryRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeRuntime) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// waitForQueries blocks until the fake has seen n Query calls; Start
// dispatches the turn on a detached goroutine, so assertions against
// recorded requests or contexts must wait for the call to land.
func waitForQueries(t *testing.T, f *fakeRuntime, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.queryCount() >= n },
		2*time.Second, 5*time.Millisecond)
}

func (f *fakeRuntime) contextAt(t *testing.T, i int) context.Context {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.contexts), i)
	return f.contexts[i]
}

// nextFrame reads one SSE frame and returns its event name and decoded payload.
func nextFrame(t *testing.T, ch <-chan events.Encoded) (string, map[string]any) {
	t.Helper()
	select {
	case frame, ok := <-ch:
		require.True(t, ok, "subscriber channel closed")
		s := string(frame)
		name := strings.TrimPrefix(strings.SplitN(s, "\n", 2)[0], "event: ")
		dataLine := strings.TrimSuffix(strings.TrimPrefix(strings.SplitN(s, "\n", 2)[1], "data: "), "\n\n")
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(dataLine), &payload))
		return name, payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return "", nil
	}
}

func waitIdle(t *testing.T, rec *session.Record) {
	t.Helper()
	require.Eventually(t, func() bool { return !rec.Processing() },
		2*time.Second, 5*time.Millisecond)
}

func TestDriver_RejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		<-release
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	require.NoError(t, d.Start(t.Context(), rec, "hi"))
	err := d.Start(t.Context(), rec, "again")
	assert.ErrorIs(t, err, session.ErrBusy)

	close(release)
	waitIdle(t, rec)

	// A new turn is accepted once the previous one completes.
	assert.NoError(t, d.Start(t.Context(), rec, "third"))
	waitIdle(t, rec)
}

func TestDriver_RekeysAndTranslatesInOrder(t *testing.T) {
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		out <- runtime.Event{Kind: runtime.KindInit, SessionID: "canon-1", Model: "m1", CWD: "/work"}
		out <- runtime.Event{Kind: runtime.KindTextDelta, Text: "he"}
		out <- runtime.Event{Kind: runtime.KindTextDelta, Text: "llo"}
		out <- runtime.Event{Kind: runtime.KindAssistantMessage, Message: &runtime.Message{ID: "msg-1", Text: "hello"}}
		out <- runtime.Event{Kind: runtime.KindResult, Result: &runtime.ResultInfo{
			Cost: 0.01, InputTokens: 10, OutputTokens: 20, DurationMS: 100,
		}}
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	_, ch := rec.Attach()
	name, payload := nextFrame(t, ch)
	require.Equal(t, "system_init", name)
	assert.Equal(t, "temp-1", payload["sessionId"])

	require.NoError(t, d.Start(t.Context(), rec, "hi"))

	name, payload = nextFrame(t, ch)
	assert.Equal(t, "status", name)
	assert.Equal(t, "thinking", payload["text"])

	// Identity reconciliation precedes all content events.
	name, payload = nextFrame(t, ch)
	assert.Equal(t, "system_init", name)
	assert.Equal(t, "canon-1", payload["sessionId"])

	name, payload = nextFrame(t, ch)
	assert.Equal(t, "text_delta", name)
	assert.Equal(t, "he", payload["text"])
	name, payload = nextFrame(t, ch)
	assert.Equal(t, "text_delta", name)
	assert.Equal(t, "llo", payload["text"])

	name, payload = nextFrame(t, ch)
	assert.Equal(t, "assistant_message", name)
	msg := payload["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "hello", msg["content"])

	name, payload = nextFrame(t, ch)
	assert.Equal(t, "result", name)
	assert.Equal(t, 0.01, payload["cost"])
	usage := payload["usage"].(map[string]any)
	assert.Equal(t, float64(10), usage["inputTokens"])
	assert.Equal(t, float64(20), usage["outputTokens"])

	waitIdle(t, rec)

	assert.Equal(t, "canon-1", rec.ID())
	assert.Equal(t, "/work", rec.WorkingDir())
	byCanon, ok := registry.Find("canon-1")
	require.True(t, ok)
	assert.Same(t, rec, byCanon)
	byTemp, ok := registry.Find("temp-1")
	require.True(t, ok, "provisional alias retained")
	assert.Same(t, rec, byTemp)
}

func TestDriver_ResumeUsesCanonicalIDWithoutRekey(t *testing.T) {
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		out <- runtime.Event{Kind: runtime.KindInit, SessionID: "canon-1", Model: "m1"}
		out <- runtime.Event{Kind: runtime.KindResult, Result: &runtime.ResultInfo{DurationMS: 1}}
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("canon-1", "m1")
	rec.MarkCanonical()

	_, ch := rec.Attach()
	nextFrame(t, ch) // system_init from attach

	require.NoError(t, d.Start(t.Context(), rec, "continue"))
	waitForQueries(t, rt, 1)
	assert.Equal(t, "canon-1", rt.lastRequest(t).Resume)

	name, _ := nextFrame(t, ch)
	assert.Equal(t, "status", name)
	name, _ = nextFrame(t, ch)
	assert.Equal(t, "result", name, "no second system_init on resume")

	waitIdle(t, rec)
}

func TestDriver_RuntimeFailurePublishesError(t *testing.T) {
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		out <- runtime.Event{Kind: runtime.KindError, Err: "model overloaded"}
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	require.NoError(t, d.Start(t.Context(), rec, "hi"))
	waitIdle(t, rec)

	_, ch := rec.Attach()
	var sawError bool
	for i := 0; i < 4; i++ {
		name, payload := nextFrame(t, ch)
		if name == "error" {
			sawError = true
			assert.Equal(t, "model overloaded", payload["message"])
			break
		}
	}
	assert.True(t, sawError)
}

func TestDriver_QueryStartFailureCleansUp(t *testing.T) {
	rt := &fakeRuntime{queryErr: assert.AnError}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	require.NoError(t, d.Start(t.Context(), rec, "hi"))
	waitIdle(t, rec)

	// The turn ended; a fresh turn must be accepted.
	require.NoError(t, d.Start(t.Context(), rec, "retry"))
	waitIdle(t, rec)
}

func TestDriver_StopThenNewTurnSurvivesStaleTeardown(t *testing.T) {
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		if req.Prompt == "a" {
			<-releaseA
		} else {
			<-releaseB
		}
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	require.NoError(t, d.Start(t.Context(), rec, "a"))
	waitForQueries(t, rt, 1)
	rec.Stop("Session stopped by user")
	require.False(t, rec.Processing())

	// A new turn starts while the stopped one is still unwinding.
	require.NoError(t, d.Start(t.Context(), rec, "b"))
	waitForQueries(t, rt, 2)
	ctxB := rt.contextAt(t, 1)
	rec.RegisterApproval("req-b")

	// Let the stale turn's stream close and its teardown run.
	close(releaseA)
	time.Sleep(50 * time.Millisecond)

	assert.True(t, rec.Processing(), "stale teardown must not release the successor's gate")
	assert.NoError(t, ctxB.Err(), "stale teardown must not cancel the successor")
	assert.Equal(t, 1, rec.PendingApprovals(), "stale teardown must not deny the successor's approvals")
	assert.ErrorIs(t, d.Start(t.Context(), rec, "c"), session.ErrBusy)

	close(releaseB)
	waitIdle(t, rec)
	assert.Equal(t, 0, rec.PendingApprovals(), "successor's own teardown still cleans up")
}

func TestDriver_RekeyCollisionReleasesProvisionalGate(t *testing.T) {
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		out <- runtime.Event{Kind: runtime.KindInit, SessionID: "canon-1", Model: "m1"}
		out <- runtime.Event{Kind: runtime.KindResult, Result: &runtime.ResultInfo{DurationMS: 1}}
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)

	// The canonical id already maps to another record; the rekey loser keeps
	// serving its provisional alias.
	winner := registry.FindOrCreate("canon-1", "m1")
	winner.MarkCanonical()
	winner.RegisterApproval("req-w")

	rec := registry.FindOrCreate("temp-1", "m1")
	require.NoError(t, d.Start(t.Context(), rec, "hi"))
	waitIdle(t, rec)

	assert.False(t, rec.Processing(), "losing record's gate released on teardown")
	assert.False(t, winner.Processing())
	assert.Equal(t, 1, winner.PendingApprovals(), "winner's approvals untouched by a turn it never owned")

	// The provisional alias accepts a fresh turn instead of a permanent busy.
	require.NoError(t, d.Start(t.Context(), rec, "again"))
	waitIdle(t, rec)
}

func TestDriver_PermissionRoundTrip(t *testing.T) {
	decided := make(chan runtime.PermissionDecision, 1)
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		decision := req.Permission(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
		decided <- decision
		out <- runtime.Event{Kind: runtime.KindResult, Result: &runtime.ResultInfo{DurationMS: 1}}
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	_, ch := rec.Attach()
	nextFrame(t, ch) // attach system_init

	require.NoError(t, d.Start(t.Context(), rec, "hi"))
	nextFrame(t, ch) // status

	name, payload := nextFrame(t, ch)
	require.Equal(t, "permission_request", name)
	request := payload["request"].(map[string]any)
	assert.Equal(t, "Bash", request["toolName"])
	desc := request["description"].(string)
	assert.True(t, strings.HasPrefix(desc, "Bash: {"), "description is toolName: json, got %q", desc)

	requestID := request["requestId"].(string)
	require.NoError(t, rec.ResolveApproval(requestID, session.Decision{Allow: true}))

	select {
	case decision := <-decided:
		assert.True(t, decision.Allow)
	case <-time.After(2 * time.Second):
		t.Fatal("permission callback never resolved")
	}
	waitIdle(t, rec)
}

func TestDriver_TeardownDeniesOrphanedApprovals(t *testing.T) {
	decided := make(chan runtime.PermissionDecision, 1)
	rt := &fakeRuntime{feed: func(req runtime.QueryRequest, out chan<- runtime.Event) {
		// Request permission but end the stream without waiting, as a
		// runtime tearing down mid-approval would.
		go func() {
			decided <- req.Permission(context.Background(), "Write", map[string]any{"file_path": "x"})
		}()
		// Give the callback time to register its resolver.
		time.Sleep(50 * time.Millisecond)
	}}
	registry := session.NewRegistry(nil)
	d := New(registry, rt, nil, nil)
	rec := registry.FindOrCreate("temp-1", "m1")

	require.NoError(t, d.Start(t.Context(), rec, "hi"))

	select {
	case decision := <-decided:
		assert.False(t, decision.Allow)
		assert.Equal(t, "Session stopped by user", decision.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned approval never resolved")
	}
	waitIdle(t, rec)
	assert.Equal(t, 0, rec.PendingApprovals())
}

func TestDescribeTool_TruncatesInput(t *testing.T) {
	input := map[string]any{"data": strings.Repeat("x", 500)}
	desc := describeTool("Write", input)
	assert.True(t, strings.HasPrefix(desc, "Write: "))
	assert.LessOrEqual(t, len(desc), len("Write: ")+descriptionLimit)
}

func TestDescribeTool_TruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddle the character limit; the cut must never
	// split one.
	input := map[string]any{"data": strings.Repeat("é", 500)}
	desc := describeTool("Write", input)

	assert.True(t, utf8.ValidString(desc), "truncated description must remain valid UTF-8")
	serialized := strings.TrimPrefix(desc, "Write: ")
	assert.Equal(t, descriptionLimit, utf8.RuneCountInString(serialized))
}
