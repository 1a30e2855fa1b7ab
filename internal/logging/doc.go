// Package logging configures log/slog for amanindex: JSON records to a
// size-rotated file under ~/.amanindex/logs and, optionally, a human-readable
// stream on stderr.
//
// The MCP server must keep stdout and stderr clean, so it runs with
// WriteToStderr disabled.
package logging
