// Package storage persists the lifecycle journal: service transitions,
// invoker counters saved at exit, and per-service summaries written during
// FINALSAVE.
//
// Two drivers: "file" (JSON Lines plus a snapshot) and "sqlite".
package storage
