// Package logger provides adapters from popular logging libraries to
// bplusdb's Logger interface, so callers can reuse an existing logger
// instead of writing an adapter by hand.
//
// The standard library's slog.Logger already implements bplusdb.Logger
// directly and needs no adapter.
package logger
