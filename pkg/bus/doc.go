// Package bus provides the durable message bus that the AlpacaCode agents use
// to coordinate a workflow run.
//
// Every message has exactly one addressee drawn from the fixed agent set
// (backtester, paper_trader, validator, orchestrator). Consumers poll their own
// inbox with Consume, process the returned messages, and Acknowledge each one
// once it has been handled. A message that was consumed but never acknowledged
// is returned again on the next poll, so receivers must tolerate duplicates.
//
// Two backends implement the Bus interface:
//
//   - RedisBus stores messages as hashes and keeps one sorted set per inbox,
//     scored by a namespace-wide sequence number. Publishing is a single Lua
//     script so a reader never sees a half-written message.
//   - FileBus stores one JSON record per message under a root directory and
//     archives records on acknowledgment. Records are written with
//     temp-file + fsync + rename.
//
// Key pattern (Redis): alpaca:{namespace}:bus:{entity}
//
// Both backends assign Seq and Timestamp atomically at publish time. The
// timestamp is clamped so it never goes backwards, which makes Seq order and
// timestamp order identical for every inbox.
package bus
