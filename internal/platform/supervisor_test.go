package platform

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSupervisorRetainsFailureStatus(t *testing.T) {
	supervisor := NewSupervisor()
	if err := supervisor.Start("failing", func(ctx context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("start task: %v", err)
	}

	if err := supervisor.Wait("failing"); err == nil || err.Error() != "boom" {
		t.Fatalf("wait error: got %v want boom", err)
	}

	statuses := supervisor.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses: got %d want 1", len(statuses))
	}
	if statuses[0].Running {
		t.Fatalf("expected task to be finished")
	}
	if statuses[0].LastError != "boom" {
		t.Fatalf("last error: got %q want boom", statuses[0].LastError)
	}
}

func TestSupervisorCancelsTaskByName(t *testing.T) {
	supervisor := NewSupervisor()
	stopped := make(chan struct{})
	if err := supervisor.Start("named-cancel", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start task: %v", err)
	}

	if err := supervisor.Cancel("named-cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("task did not observe cancellation")
	}

	statuses := supervisor.Statuses()
	if len(statuses) != 1 || !statuses[0].Canceled {
		t.Fatalf("expected one canceled status, got %+v", statuses)
	}
}

func TestSupervisorRejectsDuplicateName(t *testing.T) {
	supervisor := NewSupervisor()
	block := make(chan struct{})
	if err := supervisor.Start("dup", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := supervisor.Start("dup", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected duplicate start to fail")
	}
	close(block)
	if err := supervisor.Wait("dup"); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSupervisorCancelAll(t *testing.T) {
	supervisor := NewSupervisor()
	for _, name := range []string{"a", "b"} {
		if err := supervisor.Start(name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	supervisor.CancelAll()
	for _, status := range supervisor.Statuses() {
		if status.Running {
			t.Fatalf("task %s still running after cancel all", status.Name)
		}
	}
}
