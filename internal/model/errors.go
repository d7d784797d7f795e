package model

import "errors"

var (
	// ErrCommandRequired is returned when a session is created without a command.
	ErrCommandRequired = errors.New("command is required")

	// ErrCommandNotFound is returned when the session command cannot be resolved.
	ErrCommandNotFound = errors.New("command not found")

	// ErrPermissionDenied is returned when the session command is not executable.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when an operation targets a session that
	// has already shut down.
	ErrSessionClosed = errors.New("session closed")

	// ErrReadOnly is returned when input is submitted to a read-only session
	// or by a read-only viewer.
	ErrReadOnly = errors.New("session is read-only")

	// ErrInvalidWinSize is returned for zero-valued resize hints.
	ErrInvalidWinSize = errors.New("invalid window size")
)
