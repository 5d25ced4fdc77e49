package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/amux/internal/models"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for amux.
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, w *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	GetWorkspaceByName(ctx context.Context, name string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	// Instances
	SaveInstanceState(ctx context.Context, inst *models.Instance) error
	LoadInstance(ctx context.Context, id string) (*models.Instance, error)
	LoadAllInstances(ctx context.Context) ([]*models.Instance, error)
	ListInstancesByWorkspace(ctx context.Context, workspaceID string) ([]*models.Instance, error)
	LatestInstanceForWorkspace(ctx context.Context, workspaceID string) (*models.Instance, error)
	RecordActivity(ctx context.Context, instanceID string, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
