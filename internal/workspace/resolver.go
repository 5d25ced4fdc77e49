// Package workspace resolves workspace ids to directories on disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joescharf/amux/internal/models"
	"github.com/joescharf/amux/internal/store"
)

// ErrNotFound is returned when a workspace id is unknown or its directory is gone.
var ErrNotFound = errors.New("workspace not found")

// Resolver maps a workspace id to its filesystem path.
type Resolver interface {
	ResolveWorkspacePath(ctx context.Context, workspaceID string) (string, error)
}

// Getter is the subset of store.Store the resolver needs.
type Getter interface {
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
}

// StoreResolver resolves workspaces registered in the store.
type StoreResolver struct {
	Store Getter
}

// NewResolver returns a Resolver backed by s.
func NewResolver(s Getter) *StoreResolver {
	return &StoreResolver{Store: s}
}

func (r *StoreResolver) ResolveWorkspacePath(ctx context.Context, workspaceID string) (string, error) {
	w, err := r.Store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}
	if err != nil {
		return "", err
	}

	info, err := os.Stat(w.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, workspaceID, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s: %s is not a directory", ErrNotFound, workspaceID, w.Path)
	}
	return w.Path, nil
}

// Static resolves from a fixed map. Used by tests and single-directory setups.
type Static map[string]string

func (s Static) ResolveWorkspacePath(_ context.Context, workspaceID string) (string, error) {
	p, ok := s[workspaceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}
	return p, nil
}
