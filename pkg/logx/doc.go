// Package logx configures campaignbot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp and caller)
//   - File output JSON-structured
//   - An optional Telegram sink for operators (min-level and rate limited)
package logx
