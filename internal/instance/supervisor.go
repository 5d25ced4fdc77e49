// Package instance supervises agent processes, at most one live instance per
// workspace, and persists every lifecycle transition.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/amux/internal/models"
	"github.com/joescharf/amux/internal/process"
	"github.com/joescharf/amux/internal/provider"
	"github.com/joescharf/amux/internal/store"
	"github.com/joescharf/amux/internal/workspace"
)

// Store is the subset of store.Store the supervisor writes to. The supervisor is
// the only writer of instance rows.
type Store interface {
	SaveInstanceState(ctx context.Context, inst *models.Instance) error
	LoadInstance(ctx context.Context, id string) (*models.Instance, error)
	LoadAllInstances(ctx context.Context) ([]*models.Instance, error)
	LatestInstanceForWorkspace(ctx context.Context, workspaceID string) (*models.Instance, error)
	RecordActivity(ctx context.Context, instanceID string, at time.Time) error
}

// Config holds supervisor timing and terminal settings.
type Config struct {
	// SpawnTimeout bounds the wait for a readiness signal.
	SpawnTimeout time.Duration
	// ReadyQuietPeriod is how long a silent but alive process waits before it
	// counts as ready. Zero disables quiet-period readiness.
	ReadyQuietPeriod time.Duration
	// StopGracePeriod is the SIGTERM to SIGKILL escalation delay.
	StopGracePeriod time.Duration
	// ActivityFlush throttles RecordActivity writes per instance.
	ActivityFlush   time.Duration
	ScrollbackBytes int
	Cols, Rows      uint16
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		SpawnTimeout:     10 * time.Second,
		ReadyQuietPeriod: 1500 * time.Millisecond,
		StopGracePeriod:  5 * time.Second,
		ActivityFlush:    time.Second,
		ScrollbackBytes:  process.DefaultScrollbackBytes,
		Cols:             120,
		Rows:             40,
	}
}

// Supervisor owns the live instance set.
type Supervisor struct {
	store    Store
	resolver workspace.Resolver
	spawner  process.Spawner
	provider provider.Provider
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	locks *keyedMutex

	mu       sync.RWMutex
	live     map[string]*entry // keyed by workspace id
	byID     map[string]string // instance id -> workspace id
	shutdown bool

	watchers sync.WaitGroup
}

type entry struct {
	inst      *models.Instance
	handle    process.Handle
	lastFlush time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// NewSupervisor builds a supervisor. p is the agent every instance runs.
func NewSupervisor(st Store, r workspace.Resolver, sp process.Spawner, p provider.Provider, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:    st,
		resolver: r,
		spawner:  sp,
		provider: p,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    newKeyedMutex(),
		live:     make(map[string]*entry),
		byID:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Start launches an instance for workspaceID. A workspace whose latest instance
// is Stopped or Error is restarted under the same instance id.
func (s *Supervisor) Start(ctx context.Context, workspaceID string) (*models.Instance, error) {
	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	if s.isShutdown() {
		return nil, ErrShutdown
	}
	if e := s.liveEntry(workspaceID); e != nil {
		return nil, fmt.Errorf("%w: workspace %s has instance %s", ErrAlreadyActive, workspaceID, s.snapshot(e).ID)
	}

	dir, err := s.resolve(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	inst, err := s.store.LatestInstanceForWorkspace(ctx, workspaceID)
	switch {
	case err == nil:
		if inst.Status.Active() {
			s.logger.Warn("reusing stale active record", "instance", inst.ID, "status", inst.Status)
		}
		s.logger.Info("start redirected to restart", "instance", inst.ID, "workspace", workspaceID, "previous", inst.Status)
	case errors.Is(err, store.ErrNotFound):
		inst = &models.Instance{
			ID:          store.NewID(),
			WorkspaceID: workspaceID,
			CreatedAt:   s.now(),
		}
	default:
		s.logger.Warn("load latest instance failed, starting fresh", "workspace", workspaceID, "error", err)
		inst = &models.Instance{
			ID:          store.NewID(),
			WorkspaceID: workspaceID,
			CreatedAt:   s.now(),
		}
	}

	return s.spawnLocked(ctx, inst, dir)
}

// Stop terminates a live instance: SIGTERM, then SIGKILL after the grace
// period. Stopping an instance that is already Stopped or Error returns the
// stored record unchanged.
func (s *Supervisor) Stop(ctx context.Context, instanceID string) (*models.Instance, error) {
	workspaceID, live := s.workspaceOf(instanceID)
	if !live {
		return s.stopPersisted(ctx, instanceID)
	}

	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	e := s.liveEntry(workspaceID)
	if e == nil || s.snapshot(e).ID != instanceID {
		return s.stopPersisted(ctx, instanceID)
	}
	return s.stopLocked(ctx, workspaceID, e), nil
}

// Restart stops the instance if it is live, waits for it to exit, and spawns
// it again with the same id and workspace.
func (s *Supervisor) Restart(ctx context.Context, instanceID string) (*models.Instance, error) {
	var inst *models.Instance
	workspaceID, live := s.workspaceOf(instanceID)
	if !live {
		rec, err := s.load(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		workspaceID = rec.WorkspaceID
	}

	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	if s.isShutdown() {
		return nil, ErrShutdown
	}

	if e := s.liveEntry(workspaceID); e != nil {
		cur := s.snapshot(e)
		if cur.ID != instanceID {
			return nil, fmt.Errorf("%w: workspace %s has instance %s", ErrAlreadyActive, workspaceID, cur.ID)
		}
		inst = s.stopLocked(ctx, workspaceID, e)
	} else {
		rec, err := s.load(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		inst = rec
	}

	dir, err := s.resolve(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.spawnLocked(ctx, inst, dir)
}

// Get returns a copy of a live instance.
func (s *Supervisor) Get(instanceID string) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byID[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return s.live[ws].inst.Clone(), nil
}

// Lookup returns a live instance, or the persisted record of a terminated one.
func (s *Supervisor) Lookup(ctx context.Context, instanceID string) (*models.Instance, error) {
	if inst, err := s.Get(instanceID); err == nil {
		return inst, nil
	}
	return s.load(ctx, instanceID)
}

// ListByWorkspace returns the live instances of a workspace (zero or one).
func (s *Supervisor) ListByWorkspace(workspaceID string) []*models.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live[workspaceID]
	if !ok {
		return []*models.Instance{}
	}
	return []*models.Instance{e.inst.Clone()}
}

// List returns every live instance.
func (s *Supervisor) List() []*models.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Instance, 0, len(s.live))
	for _, e := range s.live {
		out = append(out, e.inst.Clone())
	}
	return out
}

// Handle returns the process of a Running instance for terminal binding.
func (s *Supervisor) Handle(instanceID string) (process.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byID[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	e := s.live[ws]
	if e.inst.Status != models.InstanceStatusRunning || e.handle == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, instanceID, e.inst.Status)
	}
	return e.handle, nil
}

// Touch records terminal activity on a live instance. At most one store write
// per instance happens per ActivityFlush interval.
func (s *Supervisor) Touch(instanceID string, at time.Time) {
	s.mu.Lock()
	ws, ok := s.byID[instanceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	e := s.live[ws]
	t := at.UTC()
	e.inst.LastActivityAt = &t
	flush := e.lastFlush.IsZero() || t.Sub(e.lastFlush) >= s.cfg.ActivityFlush
	if flush {
		e.lastFlush = t
	}
	s.mu.Unlock()

	if flush {
		if err := s.store.RecordActivity(context.Background(), instanceID, t); err != nil {
			s.logger.Warn("record activity failed", "instance", instanceID, "error", err)
		}
	}
}

// Recover marks persisted instances that were Starting or Running when the
// previous supervisor died as Error. It returns the number of records fixed.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	all, err := s.store.LoadAllInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("load instances: %w", err)
	}
	n := 0
	for _, inst := range all {
		if !inst.Status.Active() {
			continue
		}
		if _, live := s.workspaceOf(inst.ID); live {
			continue
		}
		prev := inst.Status
		inst.Status = models.InstanceStatusError
		inst.ErrorMessage = fmt.Sprintf("supervisor restarted while instance was %s", prev)
		inst.ProcessID = nil
		inst.UpdatedAt = s.now()
		if err := s.store.SaveInstanceState(ctx, inst); err != nil {
			return n, fmt.Errorf("recover instance %s: %w", inst.ID, err)
		}
		s.logger.Info("recovered orphaned instance", "instance", inst.ID, "previous", prev)
		n++
	}
	return n, nil
}

// Shutdown stops every live instance and waits for their exit handlers.
// Start and Restart fail with ErrShutdown afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.Stop(gctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}
	stopErr := g.Wait()

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return stopErr
}

// spawnLocked transitions inst through Starting to Running or Error. The
// caller holds the workspace lock.
func (s *Supervisor) spawnLocked(ctx context.Context, inst *models.Instance, dir string) (*models.Instance, error) {
	start := inst.Clone()
	start.Status = models.InstanceStatusStarting
	start.Provider = s.provider.Name()
	start.ErrorMessage = ""
	start.ProcessID = nil
	start.UpdatedAt = s.now()
	s.persist(ctx, start)

	e := &entry{inst: start}
	s.mu.Lock()
	s.live[start.WorkspaceID] = e
	s.byID[start.ID] = start.WorkspaceID
	s.mu.Unlock()

	spec := s.provider.SpawnSpec(dir)
	spec.ScrollbackBytes = s.cfg.ScrollbackBytes
	spec.Cols, spec.Rows = s.cfg.Cols, s.cfg.Rows

	h, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		return nil, s.failLocked(ctx, e, err.Error())
	}

	var banners []*regexp.Regexp
	if bm, ok := s.provider.(provider.BannerMatcher); ok {
		banners = bm.ReadyPatterns()
	}
	reason, err := awaitReady(ctx, h, s.cfg.ReadyQuietPeriod, s.cfg.SpawnTimeout, banners)
	if err != nil {
		if kerr := h.Kill(); kerr != nil {
			s.logger.Warn("kill unready process failed", "instance", start.ID, "error", kerr)
		}
		return nil, s.failLocked(ctx, e, err.Error())
	}

	pid := h.PID()
	running := s.transition(ctx, e, func(i *models.Instance) {
		i.Status = models.InstanceStatusRunning
		i.ProcessID = &pid
	}, h)

	s.logger.Info("instance running", "instance", running.ID, "workspace", running.WorkspaceID,
		"pid", pid, "ready", string(reason))

	s.watchers.Add(1)
	go s.watch(running.WorkspaceID, e, h)
	return running, nil
}

// failLocked records a spawn failure and evicts the entry.
func (s *Supervisor) failLocked(ctx context.Context, e *entry, msg string) error {
	failed := s.transition(ctx, e, func(i *models.Instance) {
		i.Status = models.InstanceStatusError
		i.ErrorMessage = msg
		i.ProcessID = nil
	}, nil)
	s.evict(failed.WorkspaceID, e)
	s.logger.Warn("instance spawn failed", "instance", failed.ID, "workspace", failed.WorkspaceID, "error", msg)
	return fmt.Errorf("%w: instance %s: %s", ErrSpawnFailed, failed.ID, msg)
}

// stopLocked terminates a live entry and records it as Stopped. The caller
// holds the workspace lock.
func (s *Supervisor) stopLocked(ctx context.Context, workspaceID string, e *entry) *models.Instance {
	s.mu.RLock()
	h := e.handle
	s.mu.RUnlock()

	if h != nil {
		if err := h.Terminate(s.cfg.StopGracePeriod); err != nil {
			s.logger.Warn("graceful stop failed, killing", "workspace", workspaceID, "error", err)
			if kerr := h.Kill(); kerr != nil {
				s.logger.Warn("kill failed", "workspace", workspaceID, "error", kerr)
			}
		}
	}

	stopped := s.transition(ctx, e, func(i *models.Instance) {
		i.Status = models.InstanceStatusStopped
	}, h)
	s.evict(workspaceID, e)
	s.logger.Info("instance stopped", "instance", stopped.ID, "workspace", workspaceID)
	return stopped
}

func (s *Supervisor) stopPersisted(ctx context.Context, instanceID string) (*models.Instance, error) {
	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Active() {
		return rec, nil
	}
	// Active on disk but not live here: a leftover from a previous run.
	rec.Status = models.InstanceStatusStopped
	rec.UpdatedAt = s.now()
	s.persist(ctx, rec)
	return rec, nil
}

// watch handles a process exiting on its own while Running.
func (s *Supervisor) watch(workspaceID string, e *entry, h process.Handle) {
	defer s.watchers.Done()
	<-h.Done()

	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	if s.liveEntry(workspaceID) != e {
		return
	}
	st, _ := h.ExitStatus()
	stopped := s.transition(context.Background(), e, func(i *models.Instance) {
		i.Status = models.InstanceStatusStopped
	}, h)
	s.evict(workspaceID, e)
	s.logger.Info("instance exited", "instance", stopped.ID, "workspace", workspaceID, "status", st.String())
}

// transition applies mutate to a copy of the entry's instance, persists it, and
// only then publishes it. Activity recorded concurrently is carried over.
func (s *Supervisor) transition(ctx context.Context, e *entry, mutate func(*models.Instance), h process.Handle) *models.Instance {
	s.mu.RLock()
	next := e.inst.Clone()
	s.mu.RUnlock()

	mutate(next)
	next.UpdatedAt = s.now()
	s.persist(ctx, next)

	s.mu.Lock()
	if cur := e.inst.LastActivityAt; cur != nil && (next.LastActivityAt == nil || cur.After(*next.LastActivityAt)) {
		t := *cur
		next.LastActivityAt = &t
	}
	e.inst = next
	e.handle = h
	s.mu.Unlock()
	return next.Clone()
}

func (s *Supervisor) persist(ctx context.Context, inst *models.Instance) {
	if err := s.store.SaveInstanceState(context.WithoutCancel(ctx), inst); err != nil {
		s.logger.Warn("persist instance state failed", "instance", inst.ID, "status", inst.Status, "error", err)
	}
}

func (s *Supervisor) evict(workspaceID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[workspaceID] != e {
		return
	}
	delete(s.live, workspaceID)
	delete(s.byID, e.inst.ID)
}

func (s *Supervisor) resolve(ctx context.Context, workspaceID string) (string, error) {
	dir, err := s.resolver.ResolveWorkspacePath(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
		}
		return "", fmt.Errorf("resolve workspace %s: %w", workspaceID, err)
	}
	return dir, nil
}

func (s *Supervisor) load(ctx context.Context, instanceID string) (*models.Instance, error) {
	rec, err := s.store.LoadInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	return rec, nil
}

func (s *Supervisor) liveEntry(workspaceID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[workspaceID]
}

func (s *Supervisor) snapshot(e *entry) *models.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return e.inst.Clone()
}

func (s *Supervisor) workspaceOf(instanceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byID[instanceID]
	return ws, ok
}

func (s *Supervisor) isShutdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}
