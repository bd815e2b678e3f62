package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Response is a human decision on an approval request. Anything that does not
// parse to approve or auto_approve is treated as reject (fail-closed).
type Response string

const (
	ResponseApprove     Response = "approve"
	ResponseAutoApprove Response = "auto_approve"
	ResponseReject      Response = "reject"
)

var (
	ErrApprovalPending   = errors.New("approval request already pending for agent")
	ErrApprovalRejected  = errors.New("approval rejected")
	ErrApprovalCancelled = errors.New("approval cancelled: task stopped")
	ErrNoPendingApproval = errors.New("no pending approval for agent")
)

func ParseResponse(raw string) Response {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve", "approve_once", "yes":
		return ResponseApprove
	case "auto_approve", "approve_all":
		return ResponseAutoApprove
	default:
		return ResponseReject
	}
}

// SetApprovalTimeout bounds every subsequent approval wait. Zero (the
// default) preserves the unbounded wait; a stop or caller cancellation is
// then the only way to unblock an unanswered request.
func (l *Lock) SetApprovalTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approvalTimeout = d
}

// RequestApproval pauses the calling agent until a human decides. The request
// is enqueued inline with the task's other actions so the client sees it in
// order. Returns nil on approve; once auto_approve has been granted for an
// agent every later request returns immediately. At most one request per
// agent may be outstanding; a second is a caller bug, not queued.
func (l *Lock) RequestApproval(ctx context.Context, agent string, data map[string]any) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrApprovalCancelled
	}
	if l.autoApprove[agent] {
		l.mu.Unlock()
		return nil
	}
	if _, pending := l.humanInput[agent]; pending {
		l.mu.Unlock()
		return ErrApprovalPending
	}
	slot := make(chan Response, 1)
	l.humanInput[agent] = slot
	timeout := l.approvalTimeout
	l.mu.Unlock()

	defer l.clearInputSlot(agent, slot)

	req := NewAction(ActionApprovalRequest, l.ID, data)
	req.Agent = agent
	l.Enqueue(req)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-slot:
		switch resp {
		case ResponseApprove:
			return nil
		case ResponseAutoApprove:
			l.mu.Lock()
			l.autoApprove[agent] = true
			l.mu.Unlock()
			return nil
		default:
			return ErrApprovalRejected
		}
	case <-l.stopCh:
		return ErrApprovalCancelled
	case <-ctx.Done():
		return fmt.Errorf("approval wait: %w", ctx.Err())
	case <-timeoutCh:
		return fmt.Errorf("%w: no response within %s", ErrApprovalRejected, timeout)
	}
}

// RespondApproval delivers a human decision to the agent's pending request.
func (l *Lock) RespondApproval(agent, raw string) error {
	l.mu.Lock()
	slot, ok := l.humanInput[agent]
	l.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}
	select {
	case slot <- ParseResponse(raw):
	default:
		// Slot already holds a response; duplicates are ignored.
	}
	return nil
}

func (l *Lock) AutoApproved(agent string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.autoApprove[agent]
}

func (l *Lock) clearInputSlot(agent string, slot chan Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.humanInput[agent]; ok && current == slot {
		delete(l.humanInput, agent)
	}
}
