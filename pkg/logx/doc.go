// Package logx configures lockstep's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks swappable at runtime (Service.Apply) for config hot reload
//
// The per-channel, hour-rotated diagnostic logs live in internal/logchan.
package logx
