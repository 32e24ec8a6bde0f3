package workflow

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/dispatcher"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

type rollbackCall struct {
	execution, step, task string
}

type fakeCompensator struct {
	mu        sync.Mutex
	store     *store.Store
	rollbacks []rollbackCall
	cancels   []string
	// stored status of the execution while each hook ran
	during []model.ExecutionStatus
}

func (f *fakeCompensator) Rollback(ctx context.Context, e *model.Execution, s model.StepExecution, t *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, rollbackCall{e.ID, s.StepID, t.ID})
	if f.store != nil {
		if cur, err := f.store.GetExecution(ctx, e.ID); err == nil {
			f.during = append(f.during, cur.Status)
		}
	}
	return nil
}

func (f *fakeCompensator) Cancel(_ context.Context, t *model.Task, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, t.ID)
	return nil
}

type harness struct {
	store *store.Store
	bus   *events.Bus
	rec   *events.Recorder
	comp  *fakeCompensator
	eng   *Engine

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:  events.NewRecorder(),
		comp: &fakeCompensator{},
		now:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.store = store.NewMemory(store.WithClock(h.clock))
	t.Cleanup(func() { h.store.Close() })
	h.comp.store = h.store
	h.bus = events.NewBus(h.rec)
	h.eng = New(h.store, h.bus, WithCompensator(h.comp))
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(time.Millisecond)
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) workflow(t *testing.T, mode model.ErrorHandling, steps ...model.Step) *model.Workflow {
	t.Helper()
	wf := &model.Workflow{
		Name:   "pipeline",
		Status: model.WorkflowActive,
		Steps:  steps,
		Config: model.WorkflowConfig{ErrorHandling: mode},
	}
	if err := h.store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

func (h *harness) launch(t *testing.T, wf *model.Workflow) *model.Execution {
	t.Helper()
	x, err := h.eng.Launch(context.Background(), wf, model.TriggerManual, map[string]any{"doc": "d1"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	return x
}

func (h *harness) reconcile(t *testing.T, x *model.Execution) *model.Execution {
	t.Helper()
	got, err := h.eng.Reconcile(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return got
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (h *harness) hasTask(id string) bool {
	_, err := h.store.GetTask(context.Background(), id)
	return err == nil
}

// settle walks a task through assigned and in_progress to a final status.
func (h *harness) settle(t *testing.T, id string, status model.TaskStatus, fatal bool, data map[string]any) {
	t.Helper()
	ctx := context.Background()
	path := []model.TaskStatus{model.TaskAssigned, model.TaskInProgress, status}
	cur := h.task(t, id).Status
	for _, next := range path[slices.Index(path, cur)+1:] {
		_, err := h.store.UpdateTask(ctx, id, func(task *model.Task) error {
			task.Status = next
			task.AssignedTo = "a1"
			if next.Terminal() {
				task.Fatal = fatal
				task.Result = &model.TaskResult{Success: next == model.TaskCompleted, Data: data}
				if next == model.TaskFailed {
					task.Result.Error = "boom"
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("move %s to %s: %v", id, next, err)
		}
	}
}

func stepStatus(x *model.Execution, id string) model.StepStatus {
	return x.Step(id).Status
}

func TestFanOutAfterRoot(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorStop,
		model.Step{ID: "a"},
		model.Step{ID: "b", DependsOn: []string{"a"}},
		model.Step{ID: "c", DependsOn: []string{"a"}},
	)
	x := h.launch(t, wf)

	ta := TaskID(x.ID, "a")
	if !h.hasTask(ta) {
		t.Fatal("root step must have a task right after launch")
	}
	if h.hasTask(TaskID(x.ID, "b")) || h.hasTask(TaskID(x.ID, "c")) {
		t.Fatal("dependent steps must wait for a")
	}

	h.settle(t, ta, model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)

	for _, sid := range []string{"b", "c"} {
		task := h.task(t, TaskID(x.ID, sid))
		if len(task.Requirements.Dependencies) != 1 || task.Requirements.Dependencies[0] != ta {
			t.Errorf("step %s task should depend only on %s, got %v", sid, ta, task.Requirements.Dependencies)
		}
		if task.ExecutionID != x.ID || task.StepID != sid {
			t.Errorf("task not linked to its step: %+v", task)
		}
	}
	n, _, err := h.store.ListTasks(context.Background(), store.TaskFilter{ExecutionID: x.ID}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(n) != 3 {
		t.Fatalf("expected exactly one task per step, got %d", len(n))
	}

	// Both are dispatchable now.
	for _, id := range []string{"w1", "w2"} {
		if err := h.store.CreateAgent(context.Background(), &model.Agent{ID: id, Name: id, Type: model.AgentWorker, Status: model.AgentIdle}); err != nil {
			t.Fatal(err)
		}
	}
	d := dispatcher.New(h.store, h.bus, dispatcher.LeastLoaded{})
	if assigned, err := d.RunOnce(context.Background()); err != nil || assigned != 2 {
		t.Fatalf("expected b and c dispatched, got %d (%v)", assigned, err)
	}
}

func TestCompletesWhenAllStepsComplete(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorStop, model.Step{ID: "a"}, model.Step{ID: "b", DependsOn: []string{"a"}})
	x := h.launch(t, wf)

	h.settle(t, TaskID(x.ID, "a"), model.TaskCompleted, false, map[string]any{"pages": 3})
	x = h.reconcile(t, x)
	h.settle(t, TaskID(x.ID, "b"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)

	if x.Status != model.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", x.Status)
	}
	if x.CompletedAt == nil || len(x.FailedSteps) != 0 {
		t.Errorf("unexpected terminal record %+v", x)
	}
	if x.Step("a").CompletedSeq >= x.Step("b").CompletedSeq {
		t.Error("completion order must be recorded")
	}

	var p stepPayload
	if err := json.Unmarshal(h.task(t, TaskID(x.ID, "b")).Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Input["doc"] != "d1" || p.Dependencies["a"]["pages"] != float64(3) {
		t.Errorf("payload should carry input and dependency results, got %+v", p)
	}

	if n := len(h.rec.Of(events.WorkflowStarted)); n != 1 {
		t.Errorf("expected one workflow:started, got %d", n)
	}
	done := h.rec.Of(events.WorkflowCompleted)
	if len(done) != 1 {
		t.Fatalf("expected one workflow:completed, got %d", len(done))
	}
	var wp events.WorkflowPayload
	done[0].Decode(&wp)
	if wp.Status != model.ExecutionCompleted || wp.ExecutionID != x.ID {
		t.Errorf("unexpected payload %+v", wp)
	}

	stored, err := h.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Revision != wf.Revision {
		t.Error("executions must never mutate the workflow template")
	}
}

func TestRollbackRunsOnce(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorRollback, model.Step{ID: "a"}, model.Step{ID: "b", DependsOn: []string{"a"}})
	x := h.launch(t, wf)

	h.settle(t, TaskID(x.ID, "a"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	h.settle(t, TaskID(x.ID, "b"), model.TaskFailed, true, nil)
	x = h.reconcile(t, x)

	if x.Status != model.ExecutionFailed {
		t.Fatalf("expected failed, got %s", x.Status)
	}
	if !x.RollbackRan || !slices.Equal(x.FailedSteps, []string{"b"}) {
		t.Errorf("expected rollback over failed step b, got rollback=%v failed=%v", x.RollbackRan, x.FailedSteps)
	}

	// Further reconciles must not invoke the hook again.
	h.reconcile(t, x)
	h.eng.RunOnce(context.Background())

	if len(h.comp.rollbacks) != 1 {
		t.Fatalf("expected one rollback call, got %d", len(h.comp.rollbacks))
	}
	if c := h.comp.rollbacks[0]; c.step != "a" || c.task != TaskID(x.ID, "a") {
		t.Errorf("unexpected rollback %+v", c)
	}
	if !x.Step("a").RolledBack {
		t.Error("step a should be marked rolled back")
	}
}

func TestRollbackHooksRunBeforeFailure(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorRollback, model.Step{ID: "a"}, model.Step{ID: "b", DependsOn: []string{"a"}})
	x := h.launch(t, wf)

	h.settle(t, TaskID(x.ID, "a"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	h.settle(t, TaskID(x.ID, "b"), model.TaskFailed, true, nil)
	x = h.reconcile(t, x)

	if !slices.Equal(h.comp.during, []model.ExecutionStatus{model.ExecutionStarted}) {
		t.Fatalf("expected the hook to run while the execution was started, got %v", h.comp.during)
	}
	if x.Status != model.ExecutionFailed || !x.RollbackRan {
		t.Fatalf("expected failed with rollback, got %s rollback=%v", x.Status, x.RollbackRan)
	}
	if n := len(h.rec.Of(events.WorkflowCompleted)); n != 1 {
		t.Errorf("expected one workflow:completed, got %d", n)
	}
}

func TestRollbackReverseCompletionOrder(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorRollback,
		model.Step{ID: "a"}, model.Step{ID: "b"},
		model.Step{ID: "c", DependsOn: []string{"a", "b"}},
	)
	x := h.launch(t, wf)
	h.settle(t, TaskID(x.ID, "b"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	h.settle(t, TaskID(x.ID, "a"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	h.settle(t, TaskID(x.ID, "c"), model.TaskFailed, true, nil)
	h.reconcile(t, x)

	var order []string
	for _, c := range h.comp.rollbacks {
		order = append(order, c.step)
	}
	if !slices.Equal(order, []string{"a", "b"}) {
		t.Errorf("expected rollback a then b, got %v", order)
	}
}

func TestStopLetsRunningStepsFinish(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorStop,
		model.Step{ID: "a"}, model.Step{ID: "b"},
		model.Step{ID: "c", DependsOn: []string{"b"}},
	)
	x := h.launch(t, wf)

	h.settle(t, TaskID(x.ID, "a"), model.TaskFailed, true, nil)
	x = h.reconcile(t, x)
	if x.Status != model.ExecutionStarted {
		t.Fatalf("b is still running, execution must wait, got %s", x.Status)
	}
	if stepStatus(x, "c") != model.StepSkipped {
		t.Errorf("no new step may start after a failure, c is %s", stepStatus(x, "c"))
	}

	h.settle(t, TaskID(x.ID, "b"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	if x.Status != model.ExecutionFailed || !slices.Equal(x.FailedSteps, []string{"a"}) {
		t.Fatalf("expected failed on a, got %s %v", x.Status, x.FailedSteps)
	}
	if x.RollbackRan || len(h.comp.rollbacks) != 0 {
		t.Error("stop must not roll back")
	}
	if h.hasTask(TaskID(x.ID, "c")) {
		t.Error("skipped step must not get a task")
	}
}

func TestContinueRunsIndependentSiblings(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorContinue,
		model.Step{ID: "a"},
		model.Step{ID: "b", DependsOn: []string{"a"}},
		model.Step{ID: "c"},
		model.Step{ID: "d", DependsOn: []string{"c"}},
	)
	x := h.launch(t, wf)

	h.settle(t, TaskID(x.ID, "a"), model.TaskFailed, true, nil)
	h.settle(t, TaskID(x.ID, "c"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	if stepStatus(x, "b") != model.StepSkipped {
		t.Errorf("dependent of a failed step is skipped, got %s", stepStatus(x, "b"))
	}
	if stepStatus(x, "d") != model.StepRunning {
		t.Fatalf("independent step d should run, got %s", stepStatus(x, "d"))
	}

	h.settle(t, TaskID(x.ID, "d"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	if x.Status != model.ExecutionFailed || !slices.Equal(x.FailedSteps, []string{"a"}) {
		t.Fatalf("expected failed with a, got %s %v", x.Status, x.FailedSteps)
	}
}

func TestConditions(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorContinue,
		model.Step{ID: "a"},
		model.Step{ID: "on-ok", DependsOn: []string{"a"}},
		model.Step{ID: "on-fail", DependsOn: []string{"a"}, Condition: &model.Condition{Type: model.ConditionFailure}},
		model.Step{ID: "cleanup", DependsOn: []string{"a"}, Condition: &model.Condition{Type: model.ConditionAlways}},
		model.Step{ID: "pdf", DependsOn: []string{"a"}, Condition: &model.Condition{
			Type: model.ConditionCustom, Step: "a", Field: "kind", Equals: "pdf"}},
		model.Step{ID: "png", DependsOn: []string{"a"}, Condition: &model.Condition{
			Type: model.ConditionCustom, Step: "a", Field: "kind", Equals: "png"}},
	)
	x := h.launch(t, wf)
	h.settle(t, TaskID(x.ID, "a"), model.TaskCompleted, false, map[string]any{"kind": "pdf"})
	x = h.reconcile(t, x)

	want := map[string]model.StepStatus{
		"on-ok":   model.StepRunning,
		"on-fail": model.StepSkipped,
		"cleanup": model.StepRunning,
		"pdf":     model.StepRunning,
		"png":     model.StepSkipped,
	}
	for id, st := range want {
		if got := stepStatus(x, id); got != st {
			t.Errorf("step %s: expected %s, got %s", id, st, got)
		}
	}
}

func TestFailureConditionRunsAfterFailure(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorContinue,
		model.Step{ID: "a"},
		model.Step{ID: "alert", DependsOn: []string{"a"}, Condition: &model.Condition{Type: model.ConditionFailure}},
	)
	x := h.launch(t, wf)
	h.settle(t, TaskID(x.ID, "a"), model.TaskFailed, true, nil)
	x = h.reconcile(t, x)

	if stepStatus(x, "alert") != model.StepRunning {
		t.Fatalf("failure handler should run, got %s", stepStatus(x, "alert"))
	}
	if deps := h.task(t, TaskID(x.ID, "alert")).Requirements.Dependencies; len(deps) != 0 {
		t.Errorf("a failed dependency must not block the handler task, got %v", deps)
	}
}

func TestStepTaskRetries(t *testing.T) {
	h := newHarness(t)
	wf := &model.Workflow{
		Name:   "retrying",
		Status: model.WorkflowActive,
		Steps:  []model.Step{{ID: "a", AgentType: model.AgentAnalyzer}},
		Config: model.WorkflowConfig{MaxRetries: 1},
	}
	if err := h.store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	x := h.launch(t, wf)
	id := TaskID(x.ID, "a")

	task := h.task(t, id)
	if !slices.Contains(task.Requirements.Capabilities, model.AgentAnalyzer.Capability()) {
		t.Errorf("agent type must become a capability, got %v", task.Requirements.Capabilities)
	}
	if task.MaxRetries != 1 {
		t.Errorf("expected max retries from the workflow, got %d", task.MaxRetries)
	}

	h.settle(t, id, model.TaskFailed, false, nil)
	x = h.reconcile(t, x)
	task = h.task(t, id)
	if task.Status != model.TaskPending || task.Attempt != 2 {
		t.Fatalf("expected automatic retry as attempt 2, got %s attempt %d", task.Status, task.Attempt)
	}
	if stepStatus(x, "a") != model.StepRunning {
		t.Errorf("step stays running while retrying, got %s", stepStatus(x, "a"))
	}

	h.settle(t, id, model.TaskFailed, true, nil)
	x = h.reconcile(t, x)
	if x.Status != model.ExecutionFailed || x.Step("a").Attempts != 2 {
		t.Errorf("expected failure after the last attempt, got %s attempts %d", x.Status, x.Step("a").Attempts)
	}
}

func TestParallelismLimit(t *testing.T) {
	h := newHarness(t)
	wf := &model.Workflow{
		Name:   "narrow",
		Status: model.WorkflowActive,
		Steps:  []model.Step{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Config: model.WorkflowConfig{Parallelism: 2},
	}
	if err := h.store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	x := h.launch(t, wf)
	if stepStatus(x, "c") != model.StepPending {
		t.Fatalf("third step must queue, got %s", stepStatus(x, "c"))
	}
	h.settle(t, TaskID(x.ID, "a"), model.TaskCompleted, false, nil)
	x = h.reconcile(t, x)
	if stepStatus(x, "c") != model.StepRunning {
		t.Fatalf("queued step should start when a slot frees, got %s", stepStatus(x, "c"))
	}
}

func TestTimeoutCancelsTasks(t *testing.T) {
	h := newHarness(t)
	wf := &model.Workflow{
		Name:   "slow",
		Status: model.WorkflowActive,
		Steps:  []model.Step{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}},
		Config: model.WorkflowConfig{TimeoutMs: 1000},
	}
	if err := h.store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	x := h.launch(t, wf)
	h.settle(t, TaskID(x.ID, "a"), model.TaskInProgress, false, nil)

	h.advance(2 * time.Second)
	x = h.reconcile(t, x)

	if x.Status != model.ExecutionFailed || !strings.Contains(x.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %s %q", x.Status, x.Error)
	}
	if got := h.task(t, TaskID(x.ID, "a")).Status; got != model.TaskCancelled {
		t.Errorf("running task should be cancelled, got %s", got)
	}
	if stepStatus(x, "b") != model.StepSkipped {
		t.Errorf("pending step should be skipped, got %s", stepStatus(x, "b"))
	}
	if len(h.comp.cancels) != 1 {
		t.Errorf("agent should be told to abandon the task, got %v", h.comp.cancels)
	}
}

func TestCancelledTaskFailsStep(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, model.OnErrorStop, model.Step{ID: "a"})
	x := h.launch(t, wf)
	if _, err := h.store.UpdateTask(context.Background(), TaskID(x.ID, "a"), func(t *model.Task) error {
		t.Status = model.TaskCancelled
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	x = h.reconcile(t, x)
	if x.Status != model.ExecutionFailed || x.Step("a").Error != "task was cancelled" {
		t.Errorf("expected cancelled task to fail the step, got %s %q", x.Status, x.Step("a").Error)
	}
}

func TestEmitWakesOnTaskSettled(t *testing.T) {
	h := newHarness(t)
	h.eng.Emit(events.New(events.TaskAssigned, "t1", "a1", nil))
	if len(h.eng.wake) != 0 {
		t.Fatal("assignment must not wake the engine")
	}
	h.eng.Emit(events.New(events.TaskFailed, "t1", "a1", nil))
	if len(h.eng.wake) != 1 {
		t.Fatal("expected wake on task:failed")
	}
}
