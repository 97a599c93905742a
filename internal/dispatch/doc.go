// Package dispatch runs the two-phase interest/process handshake for one message.
//
// Phase 1 (interest):
//   - A fresh agent scores the message.
//   - The score is always submitted to the coordination service, whatever its
//     value. A failed submission is logged and does not stop phase 2.
//
// Phase 2 (processing), only when score >= threshold:
//   - The agent processes the message.
//   - An empty result ends the dispatch without any submission.
//   - A record result gets agent_id injected when the agent did not set one,
//     then it is submitted. A failed submission loses the result unless a
//     spool is configured, in which case the result is kept for retry.
//
// Error handling:
//   - Decode errors (bad JSON, missing id), agent errors and agent panics are
//     caught at Dispatch and logged with the message id, or "unknown".
//   - Dispatch never returns an error; one message cannot abort a batch.
package dispatch
