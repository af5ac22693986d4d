// Package conversation implements the invocation pipeline: the per-job logic
// that turns one queued chat message into one agent run.
//
// # Pipeline
//
// Service.Invoke performs, in order:
//
//  1. Look up the conversation's Session.
//  2. Append the inbound message to the project's history (best effort).
//  3. Run the agent with the fixed tool allow-list and permission mode,
//     resuming the stored session id when there is one.
//  4. Fold the event stream: first init event's session id, last result text.
//  5. On failure, substitute a formatted error reply; a session id seen
//     before the failure is still kept.
//  6. Save the captured session id (overwriting the old one), or refresh the
//     existing record's last activity when none was captured.
//  7. Append the outbound reply to history (best effort).
//  8. Return the reply.
//
// Invoke never retries and never returns an error. Persistence and history
// failures are logged and swallowed so the reply is always delivered.
//
// The caller (the router's queue worker) guarantees at most one Invoke per
// conversation at a time, which is what makes the read-modify-write of a
// conversation's Session safe.
package conversation
