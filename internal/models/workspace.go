package models

import "time"

// Workspace is an isolated working directory (typically a git worktree) an instance runs in.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}
