package task

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusConfirming Status = "confirming"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

const defaultHistoryLimit = 512

// Message is one conversation turn carried across task interactions. Opaque
// to the orchestration core.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Lock is the per-task state object: status lifecycle, the action queue, the
// approval slots, tracked background work, and task-scoped working state.
// Exactly one Lock exists per live task id (enforced by the Registry).
type Lock struct {
	ID        string
	CreatedAt time.Time

	queue *Queue

	mu          sync.Mutex
	status      Status
	updatedAt   time.Time
	humanInput  map[string]chan Response
	autoApprove map[string]bool
	background  map[string]context.CancelFunc
	stopped     bool
	stopCh      chan struct{}

	approvalTimeout time.Duration

	conversation []Message
	lastResult   string
	workDir      string

	history    []Action
	historyMax int

	// onDrop is invoked for every action refused by a closed queue, after
	// the drop has been logged. Used for metrics; may be nil.
	onDrop func(Action)
}

func NewLock(id string) *Lock {
	now := time.Now().UTC()
	return &Lock{
		ID:          id,
		CreatedAt:   now,
		updatedAt:   now,
		status:      StatusConfirming,
		queue:       NewQueue(),
		humanInput:  make(map[string]chan Response),
		autoApprove: make(map[string]bool),
		background:  make(map[string]context.CancelFunc),
		stopCh:      make(chan struct{}),
		historyMax:  defaultHistoryLimit,
	}
}

func (l *Lock) SetDropHook(hook func(Action)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDrop = hook
}

func (l *Lock) SetHistoryLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > 0 {
		l.historyMax = n
	}
}

func (l *Lock) Queue() *Queue {
	return l.queue
}

func (l *Lock) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Lock) SetStatus(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
	l.updatedAt = time.Now().UTC()
}

// Enqueue appends an action to the task's FIFO. Safe from any goroutine.
// Delivery is best-effort: if the queue has been closed by teardown the
// action is logged and dropped, never surfaced as an error, since tool
// execution must not fail because nobody is listening anymore.
func (l *Lock) Enqueue(a Action) {
	if a.TaskID == "" {
		a.TaskID = l.ID
	}
	if l.queue.Push(a) {
		l.recordHistory(a)
		return
	}
	log.Printf("task %s: dropped %s action enqueued after teardown", l.ID, a.Kind)
	l.mu.Lock()
	hook := l.onDrop
	l.mu.Unlock()
	if hook != nil {
		hook(a)
	}
}

func (l *Lock) recordHistory(a Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, a)
	if max := l.historyMax; max > 0 && len(l.history) > max {
		l.history = append([]Action(nil), l.history[len(l.history)-max:]...)
	}
	l.updatedAt = time.Now().UTC()
}

// History returns up to limit most recent actions (all when limit <= 0).
func (l *Lock) History(limit int) []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(l.history) {
		start = len(l.history) - limit
	}
	out := make([]Action, len(l.history)-start)
	copy(out, l.history[start:])
	return out
}

// TrackBackground registers a cancel func for fire-and-forget work spawned
// on behalf of the task and returns a handle for UntrackBackground.
func (l *Lock) TrackBackground(cancel context.CancelFunc) string {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		cancel()
		return ""
	}
	id := uuid.NewString()
	l.background[id] = cancel
	l.mu.Unlock()
	return id
}

func (l *Lock) UntrackBackground(handle string) {
	if handle == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.background, handle)
}

func (l *Lock) BackgroundCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.background)
}

// AppendMessage, Conversation, SetLastResult, LastResult, SetWorkDir and
// WorkDir hold task-scoped working state preserved across turns.
func (l *Lock) AppendMessage(role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversation = append(l.conversation, Message{
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	})
	l.updatedAt = time.Now().UTC()
}

func (l *Lock) Conversation() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.conversation))
	copy(out, l.conversation)
	return out
}

func (l *Lock) SetLastResult(result string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastResult = result
	l.updatedAt = time.Now().UTC()
}

func (l *Lock) LastResult() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastResult
}

func (l *Lock) SetWorkDir(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workDir = dir
}

func (l *Lock) WorkDir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workDir
}

// Stop tears the task down: marks it stopped, resolves every outstanding
// approval wait as cancelled, cancels tracked background work, pushes a
// terminal stop action, then closes the queue so the bridge loop ends.
// Idempotent; every step runs even when an earlier one had nothing to do.
func (l *Lock) Stop(reason string) {
	l.mu.Lock()
	first := !l.stopped
	l.stopped = true
	if l.status != StatusDone && l.status != StatusFailed {
		l.status = StatusStopped
	}
	// A task finished via done/failed already carried its own terminal
	// action; only a plain stop announces one.
	announce := first && l.status == StatusStopped
	l.updatedAt = time.Now().UTC()
	cancels := make([]context.CancelFunc, 0, len(l.background))
	for id, cancel := range l.background {
		cancels = append(cancels, cancel)
		delete(l.background, id)
	}
	if first {
		close(l.stopCh)
	}
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if announce {
		data := map[string]any{}
		if reason != "" {
			data["reason"] = reason
		}
		l.Enqueue(NewAction(ActionStop, l.ID, data))
	}
	l.queue.Close()
}

func (l *Lock) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Snapshot is the persistence and API view of a Lock.
type Snapshot struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	LastResult   string    `json:"last_result,omitempty"`
	WorkDir      string    `json:"work_dir,omitempty"`
	Conversation []Message `json:"conversation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (l *Lock) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv := make([]Message, len(l.conversation))
	copy(conv, l.conversation)
	return Snapshot{
		ID:           l.ID,
		Status:       l.status,
		LastResult:   l.lastResult,
		WorkDir:      l.workDir,
		Conversation: conv,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.updatedAt,
	}
}
