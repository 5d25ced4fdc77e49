package models

import "time"

// TerminalKind distinguishes what backs a terminal session.
type TerminalKind string

const (
	// TerminalKindInstance observes a supervised instance's process.
	TerminalKindInstance TerminalKind = "instance"
	// TerminalKindDirectory wraps an ad-hoc shell in the instance's workspace.
	TerminalKindDirectory TerminalKind = "directory"
)

// TerminalSession is the reporting view of a live terminal session.
type TerminalSession struct {
	ID          string       `json:"id"`
	InstanceID  string       `json:"instanceId,omitempty"`
	Kind        TerminalKind `json:"kind"`
	CreatedAt   time.Time    `json:"createdAt"`
	Connections int          `json:"connections"`
}
