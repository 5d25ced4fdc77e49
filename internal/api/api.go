package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/amux/internal/instance"
	"github.com/joescharf/amux/internal/models"
	"github.com/joescharf/amux/internal/process"
	"github.com/joescharf/amux/internal/provider"
	"github.com/joescharf/amux/internal/store"
	"github.com/joescharf/amux/internal/terminal"
	"github.com/joescharf/amux/internal/workspace"
)

// Supervisor is the instance lifecycle surface the API drives.
type Supervisor interface {
	Start(ctx context.Context, workspaceID string) (*models.Instance, error)
	Stop(ctx context.Context, instanceID string) (*models.Instance, error)
	Restart(ctx context.Context, instanceID string) (*models.Instance, error)
	Lookup(ctx context.Context, instanceID string) (*models.Instance, error)
	ListByWorkspace(workspaceID string) []*models.Instance
	List() []*models.Instance
	Handle(instanceID string) (process.Handle, error)
}

// Shells spawns the ad-hoc shells behind directory terminals.
type Shells struct {
	Spawner  process.Spawner
	Provider provider.Provider
	Cols     uint16
	Rows     uint16
}

// Server provides the REST API handlers.
type Server struct {
	store    store.Store
	sup      Supervisor
	registry *terminal.Registry
	resolver workspace.Resolver
	shells   Shells
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, sup Supervisor, reg *terminal.Registry, shells Shells, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    s,
		sup:      sup,
		registry: reg,
		resolver: workspace.NewResolver(s),
		shells:   shells,
		logger:   logger.With("component", "api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)

	mux.HandleFunc("GET /api/v1/workspaces", s.listWorkspaces)
	mux.HandleFunc("POST /api/v1/workspaces", s.createWorkspace)
	mux.HandleFunc("GET /api/v1/workspaces/{id}", s.getWorkspace)
	mux.HandleFunc("DELETE /api/v1/workspaces/{id}", s.deleteWorkspace)

	mux.HandleFunc("GET /api/v1/workspaces/{id}/instances", s.listWorkspaceInstances)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/instances", s.startInstance)

	mux.HandleFunc("GET /api/v1/instances", s.listInstances)
	mux.HandleFunc("GET /api/v1/instances/{id}", s.getInstance)
	mux.HandleFunc("DELETE /api/v1/instances/{id}", s.stopInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/restart", s.restartInstance)

	mux.HandleFunc("GET /api/v1/instances/{id}/terminals", s.listTerminals)
	mux.HandleFunc("POST /api/v1/instances/{id}/terminals", s.createTerminal)
	mux.HandleFunc("POST /api/v1/instances/{id}/directory-terminals", s.createDirectoryTerminal)
	mux.HandleFunc("DELETE /api/v1/terminals/{id}", s.closeTerminal)

	mux.HandleFunc("GET /api/v1/terminals/ws", s.serveTerminalWS)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, instance.ErrNotFound),
		errors.Is(err, instance.ErrWorkspaceNotFound),
		errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, terminal.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, instance.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, instance.ErrNotRunning):
		return http.StatusBadRequest
	case errors.Is(err, instance.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	Instances int `json:"instances"`
	Terminals int `json:"terminals"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Instances: len(s.sup.List()),
		Terminals: s.registry.Len(),
	})
}

// --- Workspaces ---

type createWorkspaceRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(path)
	}

	ws := &models.Workspace{Name: name, Path: path}
	if err := s.store.CreateWorkspace(r.Context(), ws); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, fmt.Sprintf("workspace %q already exists", name))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.findWorkspace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.findWorkspace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if live := s.sup.ListByWorkspace(ws.ID); len(live) > 0 {
		writeError(w, http.StatusConflict, fmt.Sprintf("workspace %s has active instance %s", ws.Name, live[0].ID))
		return
	}
	if err := s.store.DeleteWorkspace(r.Context(), ws.ID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findWorkspace accepts either a workspace id or its name.
func (s *Server) findWorkspace(ctx context.Context, ref string) (*models.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		ws, err = s.store.GetWorkspaceByName(ctx, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", workspace.ErrNotFound, ref)
	}
	return ws, err
}

// --- Instances ---

func (s *Server) listWorkspaceInstances(w http.ResponseWriter, r *http.Request) {
	ws, err := s.findWorkspace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if r.URL.Query().Get("all") == "true" {
		history, err := s.store.ListInstancesByWorkspace(r.Context(), ws.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, history)
		return
	}
	writeJSON(w, http.StatusOK, s.sup.ListByWorkspace(ws.ID))
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	ws, err := s.findWorkspace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	inst, err := s.sup.Start(r.Context(), ws.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.sup.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.sup.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) restartInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.sup.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Terminals ---

type createTerminalResponse struct {
	SessionID string `json:"sessionId"`
}

type terminalEntry struct {
	ID          string              `json:"id"`
	CreatedAt   time.Time           `json:"createdAt"`
	Kind        models.TerminalKind `json:"kind"`
	Connections int                 `json:"connections"`
}

func (s *Server) listTerminals(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sup.Lookup(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	sessions := s.registry.ListByInstance(id)
	out := make([]terminalEntry, 0, len(sessions))
	for _, ts := range sessions {
		out = append(out, terminalEntry{
			ID:          ts.ID,
			CreatedAt:   ts.CreatedAt,
			Kind:        ts.Kind,
			Connections: ts.Connections,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, err := s.sup.Handle(id)
	if errors.Is(err, instance.ErrNotFound) {
		// Known but terminated instances are a bad request, not a missing one.
		inst, lerr := s.sup.Lookup(r.Context(), id)
		if lerr != nil {
			writeErr(w, lerr)
			return
		}
		err = fmt.Errorf("%w: %s is %s", instance.ErrNotRunning, id, inst.Status)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	ts := s.registry.CreateSession(id, models.TerminalKindInstance, h, false)
	writeJSON(w, http.StatusCreated, createTerminalResponse{SessionID: ts.ID})
}

func (s *Server) createDirectoryTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.sup.Lookup(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	dir, err := s.resolver.ResolveWorkspacePath(r.Context(), inst.WorkspaceID)
	if err != nil {
		writeErr(w, err)
		return
	}

	spec := s.shells.Provider.SpawnSpec(dir)
	spec.Cols, spec.Rows = s.shells.Cols, s.shells.Rows
	// The shell outlives this request; it is bound to the session instead.
	h, err := s.shells.Spawner.Spawn(context.WithoutCancel(r.Context()), spec)
	if err != nil {
		s.logger.Warn("directory shell spawn failed", "instance", id, "dir", dir, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("spawn shell: %v", err))
		return
	}

	ts := s.registry.CreateSession(id, models.TerminalKindDirectory, h, true)
	writeJSON(w, http.StatusCreated, createTerminalResponse{SessionID: ts.ID})
}

func (s *Server) closeTerminal(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Close(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
