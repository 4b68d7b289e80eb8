// Package logx provides the structured logger used across the daemon.
//
// It wraps zerolog behind a small Logger type so call sites stay stable
// while sinks (console, file) and the level can be reconfigured at
// runtime. The zero Logger is a safe no-op.
package logx
