// Package bridge drains one task's action queue into an outbound frame
// stream until a terminal action is produced or the client goes away.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/okettl/taskpilot/internal/task"
)

const defaultPollInterval = 2 * time.Second

// FrameWriter is the streaming transport the bridge writes serialized
// actions into. Implementations must be safe for use by one bridge loop.
type FrameWriter interface {
	WriteFrame(f task.Frame) error
}

type Bridge struct {
	lock *task.Lock
	poll time.Duration

	// onFrame is invoked after each frame is written. May be nil.
	onFrame func(kind task.ActionKind)
}

func New(lock *task.Lock, poll time.Duration) *Bridge {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Bridge{lock: lock, poll: poll}
}

func (b *Bridge) SetFrameHook(hook func(kind task.ActionKind)) {
	b.onFrame = hook
}

// Run pulls actions in FIFO order, encodes each as a {step,data} frame and
// writes it out. It returns nil after a terminal action (stop/end/error) or
// when the queue is closed and drained, and the ctx error once the client
// has disconnected. Waits are bounded by the poll interval so an idle stream
// re-checks client liveness instead of blocking forever.
func (b *Bridge) Run(ctx context.Context, w FrameWriter) error {
	q := b.lock.Queue()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, b.poll)
		a, ok := q.Pop(waitCtx)
		cancel()
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			if q.Closed() {
				return nil
			}
			// Poll tick: queue idle, client still connected.
			continue
		}

		if err := w.WriteFrame(a.Frame()); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if b.onFrame != nil {
			b.onFrame(a.Kind)
		}
		if a.Terminal() {
			return nil
		}
	}
}
