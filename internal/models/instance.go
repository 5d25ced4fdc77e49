package models

import "time"

// InstanceStatus represents the lifecycle state of a supervised agent instance.
type InstanceStatus string

const (
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusError    InstanceStatus = "error"
)

// Active reports whether the status counts toward the one-live-instance-per-workspace limit.
func (s InstanceStatus) Active() bool {
	return s == InstanceStatusStarting || s == InstanceStatusRunning
}

// Instance represents one running or terminated agent process bound to a workspace.
type Instance struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspaceId"`
	Provider       string         `json:"provider"`
	Status         InstanceStatus `json:"status"`
	ProcessID      *int           `json:"processId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastActivityAt *time.Time     `json:"lastActivityAt,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with the supervisor.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	if i.ProcessID != nil {
		pid := *i.ProcessID
		c.ProcessID = &pid
	}
	if i.LastActivityAt != nil {
		at := *i.LastActivityAt
		c.LastActivityAt = &at
	}
	return &c
}
