// Package scheduler runs periodic background tasks outside the request path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskRunning = errors.New("task already running")
)

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type TaskStatus struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	Running   bool       `json:"running"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

type taskState struct {
	task    Task
	mu      sync.Mutex
	status  TaskStatus
	running bool
}

// Runner owns a fixed set of tasks. Start launches one ticker per task; Stop
// cancels them and waits for in-flight runs.
type Runner struct {
	Logger *slog.Logger
	Now    func() time.Time

	mu      sync.Mutex
	tasks   map[string]*taskState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(logger *slog.Logger, tasks ...Task) *Runner {
	r := &Runner{Logger: logger, tasks: make(map[string]*taskState, len(tasks))}
	for _, t := range tasks {
		r.tasks[t.Name] = &taskState{task: t, status: TaskStatus{Name: t.Name, Interval: t.Interval.String()}}
	}
	return r
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Start launches the tickers. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	for _, st := range r.tasks {
		if st.task.Interval <= 0 {
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, st)
	}
	r.logger().Info("task runner started", "tasks", len(r.tasks))
}

func (r *Runner) loop(ctx context.Context, st *taskState) {
	defer r.wg.Done()
	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()
	r.setNext(st)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.run(ctx, st); err != nil && !errors.Is(err, ErrTaskRunning) {
				r.logger().Error("task failed", "task", st.task.Name, "err", err)
			}
			r.setNext(st)
		}
	}
}

func (r *Runner) setNext(st *taskState) {
	next := r.now().Add(st.task.Interval)
	st.mu.Lock()
	st.status.NextRun = &next
	st.mu.Unlock()
}

// Stop cancels the tickers and waits for running tasks to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.started = false
	r.mu.Unlock()
	r.wg.Wait()
	r.logger().Info("task runner stopped")
}

// TriggerNow runs the named task synchronously and returns its status.
func (r *Runner) TriggerNow(ctx context.Context, name string) (TaskStatus, error) {
	r.mu.Lock()
	st, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	err := r.run(ctx, st)
	if errors.Is(err, ErrTaskRunning) {
		return TaskStatus{}, err
	}
	return st.snapshot(), err
}

func (r *Runner) run(ctx context.Context, st *taskState) error {
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		return ErrTaskRunning
	}
	st.running = true
	st.status.Running = true
	st.mu.Unlock()

	timeout := st.task.Timeout
	if timeout <= 0 {
		timeout = st.task.Interval
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := r.now()
	err := st.task.Run(runCtx)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.running = false
	st.status.Running = false
	st.status.Runs++
	st.status.LastRun = &start
	st.status.LastError = ""
	if err != nil {
		st.status.Failures++
		st.status.LastError = err.Error()
	}
	return err
}

func (st *taskState) snapshot() TaskStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// Status reports every task, ordered by name.
func (r *Runner) Status() []TaskStatus {
	r.mu.Lock()
	states := make([]*taskState, 0, len(r.tasks))
	for _, st := range r.tasks {
		states = append(states, st)
	}
	r.mu.Unlock()
	out := make([]TaskStatus, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
