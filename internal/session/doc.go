// ABOUTME: Package documentation for the session registry and record.
// ABOUTME: Explains ownership, fan-out semantics, and the approval table.

// Package session implements the relay's process-wide session state.
//
// # Registry
//
// The Registry maps session identifiers to records. A record is created on
// first reference to an id, either by starting a new conversation or by a
// client attaching a stream for a historical id. When the agent runtime
// announces its canonical session id, Rekey points the new id at the same
// record and keeps the provisional id as an alias, so requests addressed to
// either id observe the one record. State lives in one process's memory for
// the lifetime of the process; there is no eviction.
//
// # Fan-out and backlog
//
// Each record multicasts encoded events to its subscribers. While no
// subscriber is attached, events accumulate in an ordered backlog; the first
// attach replays the backlog in full, in order, before anything new. Delivery
// is best-effort: a subscriber whose channel is unwritable is removed within
// the same publish call, and only when every delivery fails is the event
// re-buffered. A subscriber that disconnects between another subscriber's
// successful delivery and its own will miss that event with no resend.
//
// # Turns
//
// At most one turn is in flight per record. BeginTurn hands the caller a
// token identifying the turn; EndTurn and teardown denial only act while
// that token still owns the turn. Stop releases ownership immediately, so a
// successor turn may begin while the stopped one is still unwinding, and
// the stopped turn's late cleanup is a no-op against the successor.
//
// # Approvals
//
// Pending tool-permission requests are one-shot rendezvous channels keyed by
// request id. Whichever of explicit response, stop, or turn teardown resolves
// an entry first removes it; later resolutions fail with
// ErrNoPendingPermission rather than resolving twice.
package session
