package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/amux/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection serializes
	// supervisor transitions, activity flushes and API reads.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID generates a new ULID string. IDs generated in the same millisecond sort
// in creation order.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, w *models.Workspace) error {
	if w.ID == "" {
		w.ID = NewID()
	}
	w.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, path, created_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.Name, w.Path, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return s.getWorkspace(ctx, "id", id)
}

func (s *SQLiteStore) GetWorkspaceByName(ctx context.Context, name string) (*models.Workspace, error) {
	return s.getWorkspace(ctx, "name", name)
}

func (s *SQLiteStore) getWorkspace(ctx context.Context, column, value string) (*models.Workspace, error) {
	w := &models.Workspace{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM workspaces WHERE `+column+` = ?`, value,
	).Scan(&w.ID, &w.Name, &w.Path, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %w: %s", ErrNotFound, value)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, created_at FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*models.Workspace
	for rows.Next() {
		w := &models.Workspace{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Path, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workspace %w: %s", ErrNotFound, id)
	}
	return nil
}

// --- Instances ---

const instanceColumns = `id, workspace_id, provider, status, process_id, error_message, created_at, updated_at, last_activity_at`

// SaveInstanceState inserts or replaces the persisted state of an instance.
func (s *SQLiteStore) SaveInstanceState(ctx context.Context, inst *models.Instance) error {
	if inst.ID == "" {
		inst.ID = NewID()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}

	var pid sql.NullInt64
	if inst.ProcessID != nil {
		pid = sql.NullInt64{Int64: int64(*inst.ProcessID), Valid: true}
	}
	var activity sql.NullTime
	if inst.LastActivityAt != nil {
		activity = sql.NullTime{Time: *inst.LastActivityAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			provider = excluded.provider,
			status = excluded.status,
			process_id = excluded.process_id,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			last_activity_at = excluded.last_activity_at`,
		inst.ID, inst.WorkspaceID, inst.Provider, string(inst.Status), pid, inst.ErrorMessage,
		inst.CreatedAt, inst.UpdatedAt, activity,
	)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadInstance(ctx context.Context, id string) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) LoadAllInstances(ctx context.Context) ([]*models.Instance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY created_at, id`)
}

func (s *SQLiteStore) ListInstancesByWorkspace(ctx context.Context, workspaceID string) ([]*models.Instance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE workspace_id = ? ORDER BY created_at, id`, workspaceID)
}

// LatestInstanceForWorkspace returns the most recently updated instance of a workspace.
func (s *SQLiteStore) LatestInstanceForWorkspace(ctx context.Context, workspaceID string) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE workspace_id = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`, workspaceID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance for workspace %w: %s", ErrNotFound, workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest instance: %w", err)
	}
	return inst, nil
}

// RecordActivity updates only the activity timestamp of an instance.
func (s *SQLiteStore) RecordActivity(ctx context.Context, instanceID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE instances SET last_activity_at = ? WHERE id = ?`, at.UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %w: %s", ErrNotFound, instanceID)
	}
	return nil
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*models.Instance, error) {
	inst := &models.Instance{}
	var (
		status   string
		pid      sql.NullInt64
		activity sql.NullTime
	)
	if err := r.Scan(&inst.ID, &inst.WorkspaceID, &inst.Provider, &status, &pid, &inst.ErrorMessage,
		&inst.CreatedAt, &inst.UpdatedAt, &activity); err != nil {
		return nil, err
	}
	inst.Status = models.InstanceStatus(status)
	if pid.Valid {
		v := int(pid.Int64)
		inst.ProcessID = &v
	}
	if activity.Valid {
		t := activity.Time
		inst.LastActivityAt = &t
	}
	return inst, nil
}
