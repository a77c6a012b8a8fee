// Package logx configures syncedcron's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional injected sink (callback receiving level, message and tag)
//
// A Service created with Enabled=false swallows everything, which is how
// callers switch logging off without threading a nil logger around.
package logx
