// Package log provides the global zerolog-based logger used across the
// monitor, with helpers for component-, checker- and target-scoped child
// loggers.
package log
