package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// respondWhenPending waits for the agent's slot to appear, then delivers.
func respondWhenPending(t *testing.T, l *Lock, agent, response string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := l.RespondApproval(agent, response); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Errorf("no pending approval for %s appeared in time", agent)
}

func TestApprovalApproveOnceHasNoMemory(t *testing.T) {
	l := NewLock("t1")
	go respondWhenPending(t, l, "browser_agent", "approve")
	if err := l.RequestApproval(context.Background(), "browser_agent", nil); err != nil {
		t.Fatalf("RequestApproval() error = %v, want nil", err)
	}
	if l.AutoApproved("browser_agent") {
		t.Fatalf("approve_once set auto-approve, want no memory")
	}
}

func TestApprovalRejectFailClosed(t *testing.T) {
	l := NewLock("t1")

	// A destructive command is rejected: the caller gets an error result and
	// must not execute the operation.
	go respondWhenPending(t, l, "browser_agent", "reject")
	err := l.RequestApproval(context.Background(), "browser_agent", map[string]any{
		"command": "rm -rf build/",
	})
	if !errors.Is(err, ErrApprovalRejected) {
		t.Fatalf("RequestApproval() error = %v, want ErrApprovalRejected", err)
	}

	// Unrecognized responses are also rejections.
	go respondWhenPending(t, l, "browser_agent", "maybe later")
	err = l.RequestApproval(context.Background(), "browser_agent", nil)
	if !errors.Is(err, ErrApprovalRejected) {
		t.Fatalf("RequestApproval() with garbage response error = %v, want ErrApprovalRejected", err)
	}

	// auto_approve resolves the next identical request and every one after
	// it without blocking.
	go respondWhenPending(t, l, "browser_agent", "auto_approve")
	if err := l.RequestApproval(context.Background(), "browser_agent", nil); err != nil {
		t.Fatalf("RequestApproval() after auto_approve error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.RequestApproval(ctx, "browser_agent", nil); err != nil {
		t.Fatalf("auto-approved RequestApproval() blocked or failed: %v", err)
	}
}

func TestApprovalAutoApproveIsPerAgent(t *testing.T) {
	l := NewLock("t1")
	go respondWhenPending(t, l, "a1", "auto_approve")
	if err := l.RequestApproval(context.Background(), "a1", nil); err != nil {
		t.Fatalf("RequestApproval(a1) error = %v", err)
	}
	if l.AutoApproved("a2") {
		t.Fatalf("auto-approve for a1 leaked to a2")
	}
}

func TestApprovalSecondOutstandingRequestIsCallerBug(t *testing.T) {
	l := NewLock("t1")

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- l.RequestApproval(context.Background(), "a1", nil)
	}()

	// Wait for the first request's slot to register.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Queue().Len() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := l.RequestApproval(context.Background(), "a1", nil); !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("second RequestApproval() error = %v, want ErrApprovalPending", err)
	}

	if err := l.RespondApproval("a1", "approve"); err != nil {
		t.Fatalf("RespondApproval() error = %v", err)
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("first RequestApproval() error = %v", err)
	}
}

func TestApprovalStopResolvesWaitAsCancelled(t *testing.T) {
	l := NewLock("t1")
	done := make(chan error, 1)
	go func() {
		done <- l.RequestApproval(context.Background(), "a1", nil)
	}()
	time.Sleep(10 * time.Millisecond)
	l.Stop("user stop")

	select {
	case err := <-done:
		if !errors.Is(err, ErrApprovalCancelled) {
			t.Fatalf("RequestApproval() error = %v, want ErrApprovalCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("approval wait not resolved by Stop")
	}

	// After stop, new requests fail immediately instead of blocking forever.
	if err := l.RequestApproval(context.Background(), "a2", nil); !errors.Is(err, ErrApprovalCancelled) {
		t.Fatalf("RequestApproval() on stopped task error = %v, want ErrApprovalCancelled", err)
	}
}

func TestApprovalTimeoutRejects(t *testing.T) {
	l := NewLock("t1")
	l.SetApprovalTimeout(30 * time.Millisecond)
	err := l.RequestApproval(context.Background(), "a1", nil)
	if !errors.Is(err, ErrApprovalRejected) {
		t.Fatalf("RequestApproval() error = %v, want timeout wrapped in ErrApprovalRejected", err)
	}
	if !strings.Contains(err.Error(), "no response within") {
		t.Fatalf("timeout error message = %q", err.Error())
	}
}

func TestApprovalRequestVisibleOnQueue(t *testing.T) {
	l := NewLock("t1")
	go respondWhenPending(t, l, "a1", "approve")
	if err := l.RequestApproval(context.Background(), "a1", map[string]any{"command": "push"}); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	a, ok := l.Queue().Pop(context.Background())
	if !ok {
		t.Fatalf("queue empty, want approval_request action")
	}
	if a.Kind != ActionApprovalRequest || a.Agent != "a1" {
		t.Fatalf("queued action = %+v, want approval_request for a1", a)
	}
	frame := a.Frame()
	if frame.Step != ActionApprovalRequest {
		t.Fatalf("frame step = %s, want approval_request", frame.Step)
	}
	if frame.Data["agent"] != "a1" || frame.Data["command"] != "push" {
		t.Fatalf("frame data = %v, want agent and command", frame.Data)
	}
}

func TestRespondWithoutPendingRequest(t *testing.T) {
	l := NewLock("t1")
	if err := l.RespondApproval("ghost", "approve"); !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("RespondApproval() error = %v, want ErrNoPendingApproval", err)
	}
}
