package instance

import "errors"

var (
	// ErrNotFound is returned for an instance id that is neither live nor persisted.
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyActive is returned when the workspace already has a Starting or Running instance.
	ErrAlreadyActive = errors.New("instance already active")
	// ErrSpawnFailed is returned when a process could not reach Running.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrWorkspaceNotFound is returned when the workspace cannot be resolved to a directory.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrNotRunning is returned by Handle for an instance that is known but not Running.
	ErrNotRunning = errors.New("instance not running")
	// ErrShutdown is returned by Start and Restart after Shutdown.
	ErrShutdown = errors.New("supervisor shut down")
)
