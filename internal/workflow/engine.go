package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/metrics"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("orkestra/workflow")

// errSettled aborts a task write that is no longer needed.
var errSettled = errors.New("task already settled")

// Engine expands workflow executions into tasks and drives them to a
// terminal status. Everything it knows is re-read from the store, so any
// number of reconciles of the same execution converge.
type Engine struct {
	store       *store.Store
	bus         *events.Bus
	compensator Compensator
	metrics     *metrics.Instruments

	// mu serializes reconciles within the process.
	mu sync.Mutex

	pollInterval time.Duration
	wake         chan struct{}
	reloadCh     chan time.Duration
}

type Option func(*Engine)

func WithCompensator(c Compensator) Option {
	return func(e *Engine) { e.compensator = c }
}

func WithInstruments(m *metrics.Instruments) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) { e.pollInterval = interval }
}

func New(s *store.Store, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		bus:          bus,
		pollInterval: 5 * time.Second,
		wake:         make(chan struct{}, 1),
		reloadCh:     make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Launch starts a new execution of wf and reconciles it once, which
// creates the tasks of the root steps.
func (e *Engine) Launch(ctx context.Context, wf *model.Workflow, trigger model.TriggerType, input map[string]any) (*model.Execution, error) {
	ctx, span := tracer.Start(ctx, "workflow.launch", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.trigger", string(trigger)),
	))
	defer span.End()

	exec := model.NewExecution(uuid.New().String(), *wf, trigger, input)
	err := e.bus.Commit(wf.ID, func() ([]events.Event, error) {
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return nil, err
		}
		return []events.Event{events.WorkflowEvent(events.WorkflowStarted, exec)}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create execution failed")
		return nil, fmt.Errorf("create execution: %w", err)
	}
	slog.Info("workflow execution started", "workflow", wf.ID, "execution", exec.ID, "trigger", trigger)
	e.metrics.RecordExecutionStarted(ctx, exec)

	return e.Reconcile(ctx, exec.ID)
}

// Reconcile advances one execution as far as the current task states
// allow and returns its new state.
func (e *Engine) Reconcile(ctx context.Context, id string) (*model.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out *model.Execution
	err := store.RetryStale(5, func() error {
		x, err := e.reconcile(ctx, id)
		out = x
		return err
	})
	return out, err
}

// RunOnce reconciles every running execution and returns how many
// finished.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "workflow.cycle")
	defer span.End()

	running, _, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: model.ExecutionStarted}, store.Page{})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list executions: %w", err)
	}
	finished := 0
	for _, x := range running {
		if ctx.Err() != nil {
			return finished, ctx.Err()
		}
		got, err := e.Reconcile(ctx, x.ID)
		if err != nil {
			slog.Error("reconcile execution failed", "execution", x.ID, "error", err)
			continue
		}
		if got.Status.Terminal() {
			finished++
		}
	}
	span.SetAttributes(attribute.Int("workflow.executions", len(running)), attribute.Int("workflow.finished", finished))
	return finished, nil
}

func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Emit wakes the engine when a task settles.
func (e *Engine) Emit(ev events.Event) {
	if ev.Type == events.TaskCompleted || ev.Type == events.TaskFailed {
		e.Wake()
	}
}

// WakeOn wakes the engine on task events arriving over NATS.
func (e *Engine) WakeOn(client *natsbus.Client) (*nats.Subscription, error) {
	return events.Subscribe(client, natsbus.TopicEventsTasks, e.Emit)
}

func (e *Engine) SetPollInterval(interval time.Duration) {
	select {
	case e.reloadCh <- interval:
	default:
	}
}

func (e *Engine) Start(ctx context.Context) {
	if e.pollInterval <= 0 {
		e.pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	slog.Info("workflow engine started", "poll_interval", e.pollInterval)
	e.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("workflow engine stopped")
			return
		case interval := <-e.reloadCh:
			if interval > 0 {
				e.pollInterval = interval
				ticker.Reset(interval)
				slog.Info("engine poll interval updated", "poll_interval", interval)
			}
		case <-e.wake:
			e.cycle(ctx)
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

func (e *Engine) cycle(ctx context.Context) {
	if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
		slog.Error("engine cycle failed", "error", err)
	}
}

func (e *Engine) reconcile(ctx context.Context, id string) (*model.Execution, error) {
	x, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if x.Status.Terminal() {
		return x, nil
	}
	rev := x.Revision
	before, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("encode execution: %w", err)
	}

	tasks, err := e.stepTasks(ctx, x)
	if err != nil {
		return nil, err
	}
	plan, err := model.PlanSteps(x.Workflow.Steps)
	if err != nil {
		return nil, err
	}
	now := e.store.Now()

	if err := e.settleRunning(ctx, x, plan.Order, tasks, now); err != nil {
		return nil, err
	}
	timedOut, err := e.enforceTimeout(ctx, x, tasks, now)
	if err != nil {
		return nil, err
	}
	if err := e.advance(ctx, x, plan.Order, tasks, now); err != nil {
		return nil, err
	}
	undo := finish(x, timedOut, now)

	if after, err := json.Marshal(x); err == nil && bytes.Equal(before, after) {
		return x, nil
	}

	if len(undo) > 0 {
		x, err = e.rollback(ctx, x, rev, undo, tasks)
		if err != nil {
			return nil, err
		}
		rev = x.Revision
	}

	var evs []events.Event
	err = e.bus.Commit(x.WorkflowID, func() ([]events.Event, error) {
		updated, err := e.store.UpdateExecution(ctx, id, func(cur *model.Execution) error {
			if cur.Revision != rev {
				return store.ErrStale
			}
			*cur = *x
			return nil
		})
		if err != nil {
			return nil, err
		}
		x = updated
		if x.Status.Terminal() {
			evs = append(evs, events.WorkflowEvent(events.WorkflowCompleted, x))
		}
		return evs, nil
	})
	if err != nil {
		return nil, err
	}

	if x.Status.Terminal() {
		slog.Info("workflow execution finished", "workflow", x.WorkflowID, "execution", x.ID,
			"status", x.Status, "failed_steps", x.FailedSteps, "rollback", x.RollbackRan)
		e.metrics.RecordExecutionFinished(ctx, x)
	}
	return x, nil
}

// rollback claims the hooks of undo by persisting their rolled-back marks
// while the execution is still started, then runs them. A lost claim means
// another reconcile owns the rollback. The returned execution carries the
// terminal status again, ready to be committed.
func (e *Engine) rollback(ctx context.Context, x *model.Execution, rev int64, undo []model.StepExecution, tasks map[string]*model.Task) (*model.Execution, error) {
	status, completed := x.Status, x.CompletedAt
	x.Status, x.CompletedAt, x.RollbackRan = model.ExecutionStarted, nil, false
	claimed, err := e.store.UpdateExecution(ctx, x.ID, func(cur *model.Execution) error {
		if cur.Revision != rev {
			return store.ErrStale
		}
		*cur = *x
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.compensate(ctx, claimed, undo, tasks)

	out := *claimed
	out.Status, out.CompletedAt, out.RollbackRan = status, completed, true
	return &out, nil
}

func (e *Engine) stepTasks(ctx context.Context, x *model.Execution) (map[string]*model.Task, error) {
	list, _, err := e.store.ListTasks(ctx, store.TaskFilter{ExecutionID: x.ID}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list execution tasks: %w", err)
	}
	out := make(map[string]*model.Task, len(list))
	for _, t := range list {
		out[t.StepID] = t
	}
	return out, nil
}

// settleRunning folds the state of each running step's task into the step.
func (e *Engine) settleRunning(ctx context.Context, x *model.Execution, order []string, tasks map[string]*model.Task, now time.Time) error {
	seq := 0
	for _, s := range x.Steps {
		seq = max(seq, s.CompletedSeq)
	}
	for _, sid := range order {
		sx := x.Step(sid)
		if sx.Status != model.StepRunning {
			continue
		}
		t := tasks[sid]
		switch {
		case t == nil:
			failStep(sx, "task "+sx.TaskID+" is missing", now)
		case t.Status == model.TaskCompleted:
			seq++
			sx.Status = model.StepCompleted
			sx.Result = t.Result
			sx.Attempts = t.Attempt
			sx.CompletedAt = stamp(t.CompletedAt, now)
			sx.CompletedSeq = seq
		case t.Status == model.TaskCancelled:
			failStep(sx, "task was cancelled", now)
		case t.Status == model.TaskFailed && !t.Fatal && t.RetriesLeft():
			retried, err := e.retryTask(ctx, t)
			if err != nil {
				return err
			}
			tasks[sid] = retried
			sx.Attempts = retried.Attempt
		case t.Status == model.TaskFailed:
			reason := "task failed"
			if t.Result != nil && t.Result.Error != "" {
				reason = t.Result.Error
			}
			sx.Result = t.Result
			sx.Attempts = t.Attempt
			failStep(sx, reason, now)
		default:
			sx.Attempts = t.Attempt
		}
	}
	return nil
}

// enforceTimeout fails an execution that outlived its workflow timeout:
// running steps fail and their tasks are cancelled, pending steps are
// skipped.
func (e *Engine) enforceTimeout(ctx context.Context, x *model.Execution, tasks map[string]*model.Task, now time.Time) (bool, error) {
	limit := time.Duration(x.Workflow.Config.TimeoutMs) * time.Millisecond
	if limit <= 0 || now.Sub(x.StartedAt) < limit {
		return false, nil
	}
	reason := fmt.Sprintf("workflow timed out after %s", limit)
	for i := range x.Steps {
		sx := &x.Steps[i]
		switch sx.Status {
		case model.StepRunning:
			if t := tasks[sx.StepID]; t != nil {
				if err := e.cancelTask(ctx, t, reason); err != nil {
					return false, err
				}
			}
			failStep(sx, reason, now)
		case model.StepPending:
			sx.Status = model.StepSkipped
			sx.CompletedAt = &now
		}
	}
	x.Error = reason
	slog.Warn("workflow execution timed out", "execution", x.ID, "workflow", x.WorkflowID, "timeout", limit)
	return true, nil
}

// advance starts or skips pending steps in topological order. Once a step
// failed under stop or rollback, no new step starts.
func (e *Engine) advance(ctx context.Context, x *model.Execution, order []string, tasks map[string]*model.Task, now time.Time) error {
	halted := false
	running := 0
	for _, s := range x.Steps {
		switch s.Status {
		case model.StepFailed:
			halted = halted || x.Workflow.Config.ErrorHandling != model.OnErrorContinue
		case model.StepRunning:
			running++
		}
	}
	limit := x.Workflow.Config.Parallelism

	for _, sid := range order {
		sx := x.Step(sid)
		if sx.Status != model.StepPending {
			continue
		}
		if halted {
			sx.Status = model.StepSkipped
			sx.CompletedAt = &now
			continue
		}
		step, _ := x.Workflow.StepByID(sid)
		switch evaluate(x, step) {
		case verdictSkip:
			sx.Status = model.StepSkipped
			sx.CompletedAt = &now
		case verdictRun:
			if limit > 0 && running >= limit {
				continue
			}
			t, err := e.startStep(ctx, x, step, tasks)
			if err != nil {
				return err
			}
			sx.Status = model.StepRunning
			sx.TaskID = t.ID
			sx.Attempts = t.Attempt
			sx.StartedAt = &now
			running++
		}
	}
	return nil
}

// finish moves the execution to its terminal status once every step is
// terminal. It returns the completed steps to roll back, latest first.
func finish(x *model.Execution, timedOut bool, now time.Time) []model.StepExecution {
	for _, s := range x.Steps {
		if !s.Status.Terminal() {
			return nil
		}
	}
	x.FailedSteps = nil
	for _, s := range x.Steps {
		if s.Status == model.StepFailed {
			x.FailedSteps = append(x.FailedSteps, s.StepID)
		}
	}
	x.CompletedAt = &now
	if len(x.FailedSteps) == 0 && !timedOut {
		x.Status = model.ExecutionCompleted
		return nil
	}

	x.Status = model.ExecutionFailed
	if x.Error == "" {
		x.Error = fmt.Sprintf("steps failed: %v", x.FailedSteps)
	}
	if x.Workflow.Config.ErrorHandling != model.OnErrorRollback {
		return nil
	}
	var undo []model.StepExecution
	for i := range x.Steps {
		if x.Steps[i].Status == model.StepCompleted && !x.Steps[i].RolledBack {
			x.Steps[i].RolledBack = true
			undo = append(undo, x.Steps[i])
		}
	}
	slices.SortFunc(undo, func(a, b model.StepExecution) int { return b.CompletedSeq - a.CompletedSeq })
	x.RollbackRan = true
	return undo
}

// compensate invokes the rollback hook of each step, latest completion
// first.
func (e *Engine) compensate(ctx context.Context, x *model.Execution, undo []model.StepExecution, tasks map[string]*model.Task) {
	if len(undo) == 0 || e.compensator == nil {
		return
	}
	for _, s := range undo {
		t := tasks[s.StepID]
		if t == nil {
			continue
		}
		slog.Info("rolling back step", "execution", x.ID, "step", s.StepID, "task", t.ID, "agent", t.AssignedTo)
		if err := e.compensator.Rollback(ctx, x, s, t); err != nil {
			slog.Error("rollback hook failed", "execution", x.ID, "step", s.StepID, "error", err)
		}
	}
}

func failStep(sx *model.StepExecution, reason string, now time.Time) {
	sx.Status = model.StepFailed
	sx.Error = reason
	sx.CompletedAt = &now
}

func stamp(t *time.Time, now time.Time) *time.Time {
	if t != nil {
		return t
	}
	return &now
}

// retryTask puts a failed step task back to pending for its next attempt.
func (e *Engine) retryTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	out := t
	err := e.bus.Commit(t.ID, func() ([]events.Event, error) {
		updated, err := e.store.UpdateTask(ctx, t.ID, func(t *model.Task) error {
			if t.Status != model.TaskFailed || t.Fatal {
				return errSettled
			}
			t.Attempt++
			t.Status = model.TaskPending
			t.AssignedTo = ""
			t.Result = nil
			t.Progress = 0
			t.StartedAt = nil
			t.CompletedAt = nil
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = updated
		return []events.Event{events.TaskEvent(events.TaskCreated, updated, "retry")}, nil
	})
	if errors.Is(err, errSettled) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retry task %s: %w", t.ID, err)
	}
	slog.Info("retrying step task", "task", t.ID, "step", t.StepID, "attempt", out.Attempt)
	return out, nil
}

// cancelTask stops a task that is not yet terminal. An agent already
// running it is told to abandon it.
func (e *Engine) cancelTask(ctx context.Context, t *model.Task, reason string) error {
	prev := t.Status
	var cancelled *model.Task
	err := e.bus.Commit(t.ID, func() ([]events.Event, error) {
		updated, err := e.store.UpdateTask(ctx, t.ID, func(t *model.Task) error {
			if t.Status.Terminal() {
				return errSettled
			}
			now := e.store.Now()
			t.Status = model.TaskCancelled
			t.CompletedAt = &now
			t.Result = &model.TaskResult{Error: reason}
			return nil
		})
		if err != nil {
			return nil, err
		}
		cancelled = updated
		return []events.Event{events.TaskEvent(events.TaskFailed, updated, reason)}, nil
	})
	if errors.Is(err, errSettled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", t.ID, err)
	}
	e.metrics.RecordTaskFinished(ctx, cancelled)
	if prev.Active() && e.compensator != nil {
		if err := e.compensator.Cancel(ctx, cancelled, reason); err != nil {
			slog.Warn("cancel notice failed", "task", t.ID, "agent", cancelled.AssignedTo, "error", err)
		}
	}
	return nil
}
