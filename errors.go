package bplusdb

import "errors"

// Sentinel errors forming the engine's error taxonomy.
var (
	// ErrInvalidState is returned when an operation is issued against a
	// closed or never-opened tree. Programmer error; fatal to the call.
	ErrInvalidState = errors.New("bplusdb: invalid state")

	// ErrInvalidData is returned by Open when the metadata block's magic
	// numbers or parameters don't match. Callers must call Recovery.
	ErrInvalidData = errors.New("bplusdb: invalid metadata")

	// ErrInvalidNode is returned when a block fails to deserialize into a
	// node. Recoverable locally: the caller marks the block free and
	// continues scanning.
	ErrInvalidNode = errors.New("bplusdb: invalid node")

	// ErrIo wraps underlying file errors. It is returned to the caller
	// as is; the tree's lifecycle state does not change, so later
	// operations are not blocked by an earlier Io error.
	ErrIo = errors.New("bplusdb: io error")

	ErrVariableLength = errors.New("bplusdb: codec must be fixed-length")
	ErrBlockSizeTooSmall = errors.New("bplusdb: block size too small for minimum order")
	ErrCorruptRedoLog = errors.New("bplusdb: corrupt or truncated redo log")
)
