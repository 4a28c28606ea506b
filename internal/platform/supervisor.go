package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Supervisor tracks named background jobs. A training run is not idempotent,
// so a failed job is never restarted: its terminal status is retained for
// inspection instead.
type Supervisor struct {
	mu       sync.Mutex
	tasks    map[string]*supervisedTask
	finished map[string]JobStatus
}

type JobStatus struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Canceled  bool   `json:"canceled"`
	LastError string `json:"last_error,omitempty"`
}

type supervisedTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	lastErr  error
	canceled bool
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		tasks:    make(map[string]*supervisedTask),
		finished: make(map[string]JobStatus),
	}
}

func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}

	s.mu.Lock()
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task already running: %s", name)
	}
	delete(s.finished, name)
	ctx, cancel := context.WithCancel(context.Background())
	task := &supervisedTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[name] = task
	s.mu.Unlock()

	go func() {
		err := run(ctx)

		s.mu.Lock()
		if current, ok := s.tasks[name]; ok && current == task {
			task.lastErr = err
			task.canceled = ctx.Err() != nil
			s.finished[name] = JobStatus{
				Name:      name,
				Canceled:  task.canceled,
				LastError: errString(err),
			}
			delete(s.tasks, name)
		}
		s.mu.Unlock()
		close(task.done)
	}()
	return nil
}

// Cancel signals the job and waits for it to unwind.
func (s *Supervisor) Cancel(name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such task: %s", name)
	}
	task.cancel()
	<-task.done
	return nil
}

func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	tasks := make([]*supervisedTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// Wait blocks until the named job finishes and returns its error. Waiting on
// an unknown or already-finished job returns the retained status.
func (s *Supervisor) Wait(name string) error {
	s.mu.Lock()
	task, running := s.tasks[name]
	status, done := s.finished[name]
	s.mu.Unlock()

	if running {
		<-task.done
		s.mu.Lock()
		status, done = s.finished[name]
		s.mu.Unlock()
	}
	if !done {
		return fmt.Errorf("no such task: %s", name)
	}
	if status.LastError != "" {
		return errors.New(status.LastError)
	}
	return nil
}

// Statuses reports running jobs first, then retained terminal ones, each
// group sorted by name.
func (s *Supervisor) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := make([]JobStatus, 0, len(s.tasks))
	for name := range s.tasks {
		running = append(running, JobStatus{Name: name, Running: true})
	}
	sort.Slice(running, func(i, j int) bool { return running[i].Name < running[j].Name })

	done := make([]JobStatus, 0, len(s.finished))
	for _, status := range s.finished {
		done = append(done, status)
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Name < done[j].Name })

	return append(running, done...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
