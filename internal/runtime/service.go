// Package runtime wires the task registry, the browser pool, the optional
// store and the metrics into the surface the controllers and tool code call.
package runtime

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/okettl/taskpilot/internal/browserpool"
	"github.com/okettl/taskpilot/internal/observability"
	"github.com/okettl/taskpilot/internal/task"
)

type Config struct {
	ApprovalTimeout   time.Duration
	EventHistoryLimit int
	DefaultBrowsers   []browserpool.Endpoint
	DatabaseURL       string
}

type Service struct {
	cfg       Config
	storeMode string

	registry *task.Registry
	pool     *browserpool.Manager
	store    task.Store
	metrics  *observability.Metrics
}

func New(ctx context.Context, cfg Config, metrics *observability.Metrics) *Service {
	var store task.Store
	storeMode := "in-memory"
	if st, err := task.NewStore(ctx, cfg.DatabaseURL); err == nil {
		if st != nil {
			store = st
			storeMode = "postgres"
		}
	} else {
		log.Printf("task store init failed, continuing in-memory: %v", err)
	}

	return &Service{
		cfg:       cfg,
		storeMode: storeMode,
		registry:  task.NewRegistry(),
		pool:      browserpool.NewManager(),
		store:     store,
		metrics:   metrics,
	}
}

func (s *Service) StoreMode() string {
	if s == nil {
		return "disabled"
	}
	return s.storeMode
}

// CreateTask registers a new task id. Fails with task.ErrDuplicateTask when
// the id is already live.
func (s *Service) CreateTask(id string) (*task.Lock, error) {
	l, err := s.registry.Create(id)
	if err != nil {
		return nil, err
	}
	s.decorate(l)
	s.metrics.ObserveTaskEvent("created")
	s.updateGauges()
	return l, nil
}

// GetOrCreateTask is the idempotent first-contact path: two concurrent
// callers with the same id observe the same Lock.
func (s *Service) GetOrCreateTask(id string) (*task.Lock, error) {
	l, created, err := s.registry.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if created {
		s.decorate(l)
		s.metrics.ObserveTaskEvent("created")
		s.updateGauges()
	}
	return l, nil
}

func (s *Service) GetTask(id string) (*task.Lock, error) {
	return s.registry.Get(id)
}

// Enqueue appends an action to the task's stream. Best-effort from the
// producer's point of view: an unknown task is the only error surfaced.
func (s *Service) Enqueue(taskID string, a task.Action) error {
	l, err := s.registry.Get(taskID)
	if err != nil {
		return err
	}
	l.Enqueue(a)
	if s.metrics != nil {
		s.metrics.ActionsEnqueued.WithLabelValues(string(a.Kind)).Inc()
	}
	return nil
}

// RequestApproval blocks the calling agent until a human decision arrives,
// the task stops, or the caller's ctx ends. A non-nil return means the risky
// operation must not run.
func (s *Service) RequestApproval(ctx context.Context, taskID, agent string, data map[string]any) error {
	l, err := s.registry.Get(taskID)
	if err != nil {
		return err
	}
	err = l.RequestApproval(ctx, agent, data)
	s.metrics.ObserveApproval(approvalOutcome(err))
	return err
}

func (s *Service) RespondApproval(taskID, agent, response string) error {
	l, err := s.registry.Get(taskID)
	if err != nil {
		return err
	}
	return l.RespondApproval(agent, response)
}

// AcquireBrowser claims the first free endpoint among candidates (the
// configured default list when candidates is nil). Nil means exhaustion; the
// caller falls back to a shared endpoint.
func (s *Service) AcquireBrowser(candidates []browserpool.Endpoint, sessionID, taskID string) *browserpool.Endpoint {
	if len(candidates) == 0 {
		candidates = s.cfg.DefaultBrowsers
	}
	ep := s.pool.Acquire(candidates, sessionID, taskID)
	s.updateGauges()
	return ep
}

func (s *Service) ReleaseBrowser(port int, sessionID string) {
	s.pool.Release(port, sessionID)
	s.updateGauges()
}

func (s *Service) ReleaseBrowsersByTask(taskID string) []int {
	freed := s.pool.ReleaseByTask(taskID)
	s.updateGauges()
	return freed
}

func (s *Service) OccupiedBrowserPorts() []int {
	return s.pool.OccupiedPorts()
}

// StopTask tears a task down: resolves outstanding approval waits as
// cancelled, cancels tracked background work, releases every browser slot the
// task owns, closes the queue, persists the final snapshot and removes the
// registry entry. Idempotent; stopping an unknown id is a no-op.
func (s *Service) StopTask(id, reason string) {
	l, err := s.registry.Get(id)
	if err != nil {
		if freed := s.pool.ReleaseByTask(id); len(freed) > 0 {
			log.Printf("task %s: released stale browser ports %v", id, freed)
			s.updateGauges()
		}
		return
	}
	l.Stop(reason)
	if freed := s.pool.ReleaseByTask(id); len(freed) > 0 {
		log.Printf("task %s: released browser ports %v on stop", id, freed)
	}
	s.persistTask(l.Snapshot())
	s.registry.Delete(id)
	s.metrics.ObserveTaskEvent("stopped")
	s.updateGauges()
}

// FinishTask marks a task done (or failed), records its result and tears it
// down like StopTask.
func (s *Service) FinishTask(id, result string, failed bool) {
	l, err := s.registry.Get(id)
	if err != nil {
		return
	}
	status := task.StatusDone
	kind := task.ActionEnd
	event := "done"
	if failed {
		status = task.StatusFailed
		kind = task.ActionError
		event = "failed"
	}
	l.SetLastResult(result)
	l.SetStatus(status)
	l.Enqueue(task.NewAction(kind, id, map[string]any{"result": result}))
	l.Stop("")
	if freed := s.pool.ReleaseByTask(id); len(freed) > 0 {
		log.Printf("task %s: released browser ports %v on finish", id, freed)
	}
	s.persistTask(l.Snapshot())
	s.registry.Delete(id)
	s.metrics.ObserveTaskEvent(event)
	s.updateGauges()
}

func (s *Service) TaskSnapshot(id string) (task.Snapshot, error) {
	if l, err := s.registry.Get(id); err == nil {
		return l.Snapshot(), nil
	}
	if s.store == nil {
		return task.Snapshot{}, task.ErrTaskNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Snapshot{}, task.ErrTaskNotFound
		}
		return task.Snapshot{}, err
	}
	return snap, nil
}

// ListTasks merges live tasks with persisted snapshots, newest first.
func (s *Service) ListTasks(limit int) []task.Snapshot {
	merged := make(map[string]task.Snapshot)
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		persisted, err := s.store.ListTasks(ctx, limit)
		cancel()
		if err == nil {
			for _, snap := range persisted {
				merged[snap.ID] = snap
			}
		}
	}
	for _, id := range s.registry.IDs() {
		if l, err := s.registry.Get(id); err == nil {
			merged[id] = l.Snapshot()
		}
	}

	out := make([]task.Snapshot, 0, len(merged))
	for _, snap := range merged {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (s *Service) TaskHistory(id string, limit int) ([]task.Action, error) {
	l, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return l.History(limit), nil
}

// PersistTask snapshots a live task to the store, fire-and-forget.
func (s *Service) PersistTask(id string) {
	l, err := s.registry.Get(id)
	if err != nil {
		return
	}
	s.persistTask(l.Snapshot())
}

func (s *Service) persistTask(snap task.Snapshot) {
	store := s.store
	if store == nil {
		return
	}
	go func(snapshot task.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.SaveTask(ctx, snapshot); err != nil {
			log.Printf("task %s: persist failed: %v", snapshot.ID, err)
		}
	}(snap)
}

// Shutdown stops every live task and closes the store.
func (s *Service) Shutdown() error {
	for _, id := range s.registry.IDs() {
		s.StopTask(id, "server shutting down")
	}
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *Service) decorate(l *task.Lock) {
	l.SetApprovalTimeout(s.cfg.ApprovalTimeout)
	l.SetHistoryLimit(s.cfg.EventHistoryLimit)
	if s.metrics != nil {
		drops := s.metrics.ActionsDropped
		l.SetDropHook(func(task.Action) { drops.Inc() })
	}
}

func (s *Service) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveTasks.Set(float64(s.registry.Len()))
	s.metrics.BrowserSlotsOccupied.Set(float64(s.pool.OccupiedCount()))
}

func approvalOutcome(err error) string {
	switch {
	case err == nil:
		return "approved"
	case errors.Is(err, task.ErrApprovalCancelled):
		return "cancelled"
	case errors.Is(err, task.ErrApprovalPending):
		return "pending_conflict"
	case errors.Is(err, task.ErrApprovalRejected):
		if strings.Contains(err.Error(), "no response within") {
			return "timeout"
		}
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
