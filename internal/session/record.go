// ABOUTME: SessionRecord holds the per-session relay state: subscribers, backlog,
// ABOUTME: pending approvals, and the in-flight turn guard.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ccshell/relay/internal/events"
)

var (
	// ErrBusy indicates a turn is already in flight for the session.
	ErrBusy = errors.New("session is busy processing a request")

	// ErrNoPendingPermission indicates no resolver is registered for a request id.
	ErrNoPendingPermission = errors.New("no pending permission")
)

// subscriberBufferSize is the slack added on top of the backlog when a
// subscriber channel is allocated. Matches the broadcaster's 64-event buffer.
const subscriberBufferSize = 64

// Decision is the outcome of a permission request.
type Decision struct {
	Allow  bool
	Reason string
}

// Record is the registry's unit of state for one logical conversation.
// All mutable fields are guarded by mu; callers hold the record by pointer,
// so a concurrent rekey never invalidates an in-flight operation.
type Record struct {
	mu sync.Mutex

	id         string
	canonical  bool
	model      string
	workingDir string

	processing bool
	cancel     context.CancelFunc
	turnToken  uint64
	turnSeq    uint64

	subscribers map[string]chan events.Encoded
	backlog     []events.Encoded
	approvals   map[string]chan Decision

	logger *slog.Logger
}

func newRecord(id, model string, logger *slog.Logger) *Record {
	return &Record{
		id:          id,
		model:       model,
		subscribers: make(map[string]chan events.Encoded),
		approvals:   make(map[string]chan Decision),
		logger:      logger.With("session_id", id),
	}
}

// ID returns the session's current identifier (provisional or canonical).
func (r *Record) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Record) setID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
	r.canonical = true
}

// Canonical reports whether the session id was assigned by the agent runtime
// (or supplied by a client addressing a historical session), as opposed to a
// locally generated provisional id.
func (r *Record) Canonical() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canonical
}

// MarkCanonical flags the current id as runtime-assigned. Used when a record
// is created from an id read back from the runtime's session store.
func (r *Record) MarkCanonical() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canonical = true
}

// Model returns the model selected for the next or ongoing turn.
func (r *Record) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// SetModel updates the model used for subsequent turns.
func (r *Record) SetModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if model != "" {
		r.model = model
	}
}

// WorkingDir returns the sticky working directory, if known.
func (r *Record) WorkingDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workingDir
}

// SetWorkingDir records the working directory for turn resumption.
func (r *Record) SetWorkingDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir != "" {
		r.workingDir = dir
	}
}

// Processing reports whether a turn is currently in flight.
func (r *Record) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing
}

// BeginTurn marks the record as processing and allocates a cancellation
// handle derived from parent. The returned token identifies this turn;
// teardown calls carrying a stale token are no-ops, so a stopped turn
// unwinding late cannot disturb its successor. Returns ErrBusy if a turn is
// already in flight.
func (r *Record) BeginTurn(parent context.Context) (context.Context, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.processing {
		return nil, 0, ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	r.turnSeq++
	r.turnToken = r.turnSeq
	r.processing = true
	r.cancel = cancel
	return ctx, r.turnToken, nil
}

// EndTurn clears the processing flag and releases the cancellation handle,
// but only while token still owns the turn. Safe to call on every terminal
// transition, including after Stop has already released the gate.
func (r *Record) EndTurn(token uint64) {
	r.mu.Lock()
	if r.turnToken != token {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.processing = false
	r.cancel = nil
	r.turnToken = 0
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stop cancels the active turn (if any) and force-resolves every pending
// approval with a denial carrying reason. Ownership transfers away from the
// stopped turn immediately, so its own teardown becomes a no-op and a new
// turn may start while the old one is still unwinding. The boundary call
// returns before the underlying teardown completes.
func (r *Record) Stop(reason string) {
	r.mu.Lock()
	cancel := r.cancel
	r.processing = false
	r.cancel = nil
	r.turnToken = 0
	denied := r.denyAllLocked(reason)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if denied > 0 {
		r.logger.Info("force-resolved pending approvals", "count", denied)
	}
}

// DenyAllApprovals force-resolves every pending approval with a denial, but
// only while token still owns the turn. Called on turn teardown so no
// resolver outlives its turn; a stale turn's teardown leaves a successor's
// approvals untouched.
func (r *Record) DenyAllApprovals(token uint64, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turnToken != token {
		return 0
	}
	return r.denyAllLocked(reason)
}

func (r *Record) denyAllLocked(reason string) int {
	denied := 0
	for id, ch := range r.approvals {
		ch <- Decision{Allow: false, Reason: reason}
		delete(r.approvals, id)
		denied++
	}
	return denied
}

// Publish encodes the event once and delivers it to every live subscriber.
// With no subscribers the encoded frame is appended to the backlog. If every
// delivery attempt fails, the frame is re-buffered rather than dropped, so
// nothing is lost between the last disconnect and the next attach.
func (r *Record) Publish(name string, payload any) {
	frame, err := events.Encode(name, payload)
	if err != nil {
		r.logger.Error("failed to encode event", "event", name, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.subscribers) == 0 {
		r.backlog = append(r.backlog, frame)
		return
	}

	delivered := 0
	for id, ch := range r.subscribers {
		select {
		case ch <- frame:
			delivered++
		default:
			// Unwritable channel means a dead or hopelessly slow subscriber.
			delete(r.subscribers, id)
			close(ch)
			r.logger.Debug("removed unwritable subscriber", "sub_id", id)
		}
	}

	if delivered == 0 {
		r.backlog = append(r.backlog, frame)
	}
}

// Attach registers a new subscriber and returns its channel and id. The
// backlog is replayed into the channel in original order and cleared, then a
// fresh system_init frame reflecting the current canonical id and model is
// queued. The channel is allocated with room for the replay, so attach never
// blocks.
func (r *Record) Attach() (string, <-chan events.Encoded) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subID := uuid.New().String()
	ch := make(chan events.Encoded, len(r.backlog)+subscriberBufferSize)

	for _, frame := range r.backlog {
		ch <- frame
	}
	r.backlog = nil
	r.subscribers[subID] = ch

	if frame, err := events.Encode(events.TypeSystemInit, events.SystemInit{
		SessionID: r.id,
		Model:     r.model,
	}); err == nil {
		ch <- frame
	}

	r.logger.Debug("subscriber attached", "sub_id", subID, "total", len(r.subscribers))
	return subID, ch
}

// Detach removes a subscriber and closes its channel. Idempotent.
func (r *Record) Detach(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.subscribers[subID]
	if !ok {
		return
	}
	delete(r.subscribers, subID)
	close(ch)
	r.logger.Debug("subscriber detached", "sub_id", subID, "total", len(r.subscribers))
}

// SubscriberCount returns the number of attached subscribers.
func (r *Record) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// BacklogLen returns the number of buffered frames awaiting the next attach.
func (r *Record) BacklogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// RegisterApproval creates a one-shot rendezvous for a permission request.
// The returned channel receives exactly one Decision.
func (r *Record) RegisterApproval(requestID string) <-chan Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Decision, 1)
	r.approvals[requestID] = ch
	return ch
}

// ResolveApproval delivers the human decision for a pending request.
// Returns ErrNoPendingPermission if the request id is unknown or was already
// resolved; a resolver is removed exactly once.
func (r *Record) ResolveApproval(requestID string, d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.approvals[requestID]
	if !ok {
		return ErrNoPendingPermission
	}
	delete(r.approvals, requestID)
	ch <- d
	return nil
}

// PendingApprovals returns the number of unresolved permission requests.
func (r *Record) PendingApprovals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.approvals)
}
