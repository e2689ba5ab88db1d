package domain

import "errors"

var (
	// ErrStorageWrite wraps any failure to durably persist a message.
	ErrStorageWrite = errors.New("storage write failure")

	// ErrSessionNotFound is returned for reads against an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrGenerationTimeout is returned when a generation call exceeds its
	// deadline. The reserved coordination slot is released by the caller.
	ErrGenerationTimeout = errors.New("generation timeout")

	// ErrShuttingDown is returned for messages arriving after drain began.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)
