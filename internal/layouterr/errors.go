// Package layouterr defines the sentinel errors surfaced across the
// index-layout-engine boundary (spec.md §6/§7). Callers distinguish them
// with errors.Is; wrapping with fmt.Errorf("...: %w", ...) is expected to
// preserve that behavior.
package layouterr

import "errors"

var (
	// ErrCorruptComponent signals a magic, version, nonce, or size
	// mismatch while decoding an on-disk record. Non-retryable.
	ErrCorruptComponent = errors.New("corrupt component")

	// ErrUnsupportedVersion signals a persisted version outside the
	// range this build understands.
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrWrongIndexConfig signals that the persisted block size (or
	// other config-region fields) disagrees with the caller-supplied
	// configuration.
	ErrWrongIndexConfig = errors.New("wrong index config")

	// ErrNoIndex signals that the layout has never been saved.
	ErrNoIndex = errors.New("no index")

	// ErrIndexNotSavedCleanly signals that saves exist but none of
	// them validates.
	ErrIndexNotSavedCleanly = errors.New("index not saved cleanly")

	// ErrInsufficientIndexSpace signals that the caller's byte capacity
	// is smaller than the geometry requires.
	ErrInsufficientIndexSpace = errors.New("insufficient index space")

	// ErrIncorrectAlignment signals a configuration whose page size
	// isn't a multiple of the block size.
	ErrIncorrectAlignment = errors.New("incorrect alignment")

	// ErrBadState signals an operation requested in a state that
	// doesn't support it (e.g. committing a save with an empty state
	// buffer, or opening an open-chapter writer on a checkpoint slot).
	ErrBadState = errors.New("bad state")

	// ErrEndOfFile mirrors io.EOF for the I/O factory boundary.
	ErrEndOfFile = errors.New("end of file")

	// ErrShortRead signals a positioned read returned fewer bytes than
	// requested.
	ErrShortRead = errors.New("short read")

	// ErrOutOfRange signals a byte offset or length outside the
	// region's bounds.
	ErrOutOfRange = errors.New("out of range")

	// ErrBufferError signals a caller-supplied buffer of the wrong
	// size.
	ErrBufferError = errors.New("buffer error")

	// ErrUnexpectedResult is a catch-all for internal invariants that
	// should be unreachable.
	ErrUnexpectedResult = errors.New("unexpected result")
)
