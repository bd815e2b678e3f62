package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okettl/taskpilot/internal/browserpool"
	"github.com/okettl/taskpilot/internal/task"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(context.Background(), Config{
		EventHistoryLimit: 128,
		DefaultBrowsers: []browserpool.Endpoint{
			{Port: 9001},
			{Port: 9002},
		},
	}, nil)
}

func TestServiceCreateDuplicateTask(t *testing.T) {
	s := newTestService(t)
	if _, err := s.CreateTask("t1"); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := s.CreateTask("t1"); !errors.Is(err, task.ErrDuplicateTask) {
		t.Fatalf("second CreateTask() error = %v, want ErrDuplicateTask", err)
	}
}

func TestServiceGetOrCreateReturnsSameLock(t *testing.T) {
	s := newTestService(t)
	a, err := s.GetOrCreateTask("t1")
	if err != nil {
		t.Fatalf("GetOrCreateTask() error = %v", err)
	}
	b, err := s.GetOrCreateTask("t1")
	if err != nil {
		t.Fatalf("second GetOrCreateTask() error = %v", err)
	}
	if a != b {
		t.Fatalf("GetOrCreateTask returned distinct locks")
	}
}

func TestServiceStopTaskTearsEverythingDown(t *testing.T) {
	s := newTestService(t)
	l, err := s.CreateTask("t1")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// A blocked approval wait, tracked background work, and two owned
	// browser slots must all be resolved by one stop.
	approvalErr := make(chan error, 1)
	go func() {
		approvalErr <- s.RequestApproval(context.Background(), "t1", "agent-a", nil)
	}()
	time.Sleep(10 * time.Millisecond)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	l.TrackBackground(bgCancel)

	if ep := s.AcquireBrowser(nil, "sess-1", "t1"); ep == nil || ep.Port != 9001 {
		t.Fatalf("AcquireBrowser() = %+v, want 9001", ep)
	}
	if ep := s.AcquireBrowser(nil, "sess-2", "t1"); ep == nil || ep.Port != 9002 {
		t.Fatalf("AcquireBrowser() = %+v, want 9002", ep)
	}

	s.StopTask("t1", "user requested stop")

	select {
	case err := <-approvalErr:
		if !errors.Is(err, task.ErrApprovalCancelled) {
			t.Fatalf("approval wait error = %v, want ErrApprovalCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("approval wait not resolved by StopTask")
	}

	select {
	case <-bgCtx.Done():
	case <-time.After(time.Second):
		t.Fatalf("background work not cancelled by StopTask")
	}

	if ports := s.OccupiedBrowserPorts(); len(ports) != 0 {
		t.Fatalf("OccupiedBrowserPorts() = %v, want none", ports)
	}
	if _, err := s.GetTask("t1"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("GetTask() after stop error = %v, want ErrTaskNotFound", err)
	}

	// Stop is idempotent; a second invocation has nothing left to do.
	s.StopTask("t1", "again")
}

func TestServiceFinishTaskEmitsTerminalAction(t *testing.T) {
	s := newTestService(t)
	l, err := s.CreateTask("t1")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := s.Enqueue("t1", task.NewAction(task.ActionStart, "t1", nil)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	s.FinishTask("t1", "all steps complete", false)

	if l.Status() != task.StatusDone {
		t.Fatalf("Status() = %s, want done", l.Status())
	}
	if l.LastResult() != "all steps complete" {
		t.Fatalf("LastResult() = %q", l.LastResult())
	}

	hist := l.History(0)
	var sawEnd bool
	for _, a := range hist {
		if a.Kind == task.ActionEnd {
			sawEnd = true
		}
		if a.Kind == task.ActionStop {
			t.Fatalf("finished task also announced a stop action")
		}
	}
	if !sawEnd {
		t.Fatalf("history %v missing end action", hist)
	}
}

func TestServiceFailTask(t *testing.T) {
	s := newTestService(t)
	l, err := s.CreateTask("t1")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	s.FinishTask("t1", "tool crashed", true)
	if l.Status() != task.StatusFailed {
		t.Fatalf("Status() = %s, want failed", l.Status())
	}
}

func TestServiceAcquireBrowserFallsBackToDefaults(t *testing.T) {
	s := newTestService(t)
	if ep := s.AcquireBrowser(nil, "s1", "t1"); ep == nil || ep.Port != 9001 {
		t.Fatalf("AcquireBrowser() = %+v, want default 9001", ep)
	}
	explicit := []browserpool.Endpoint{{Port: 9333, External: true}}
	ep := s.AcquireBrowser(explicit, "s2", "t1")
	if ep == nil || ep.Port != 9333 || !ep.External {
		t.Fatalf("AcquireBrowser(explicit) = %+v, want external 9333", ep)
	}

	// Exhaustion is not an error.
	if ep := s.AcquireBrowser(explicit, "s3", "t2"); ep != nil {
		t.Fatalf("AcquireBrowser() on exhausted candidates = %+v, want nil", ep)
	}
}

func TestServiceReleaseBrowserOwnershipChecked(t *testing.T) {
	s := newTestService(t)
	if ep := s.AcquireBrowser(nil, "s1", "t1"); ep == nil {
		t.Fatalf("acquire failed")
	}
	s.ReleaseBrowser(9001, "someone-else")
	if ports := s.OccupiedBrowserPorts(); len(ports) != 1 {
		t.Fatalf("OccupiedBrowserPorts() = %v, want [9001] kept", ports)
	}
	s.ReleaseBrowser(9001, "s1")
	if ports := s.OccupiedBrowserPorts(); len(ports) != 0 {
		t.Fatalf("OccupiedBrowserPorts() = %v, want empty", ports)
	}
}

func TestServiceEnqueueUnknownTask(t *testing.T) {
	s := newTestService(t)
	err := s.Enqueue("ghost", task.NewAction(task.ActionImprove, "ghost", nil))
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("Enqueue() error = %v, want ErrTaskNotFound", err)
	}
}

func TestServiceListTasksNewestFirst(t *testing.T) {
	s := newTestService(t)
	if _, err := s.CreateTask("t1"); err != nil {
		t.Fatalf("CreateTask(t1) error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	l2, err := s.CreateTask("t2")
	if err != nil {
		t.Fatalf("CreateTask(t2) error = %v", err)
	}
	l2.AppendMessage("user", "newer activity")

	out := s.ListTasks(10)
	if len(out) != 2 {
		t.Fatalf("ListTasks() len = %d, want 2", len(out))
	}
	if out[0].ID != "t2" {
		t.Fatalf("ListTasks()[0] = %s, want t2 first", out[0].ID)
	}
}
