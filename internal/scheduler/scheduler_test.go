package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

type fired struct {
	workflow string
	trigger  model.TriggerType
	input    map[string]any
}

type fakeLauncher struct {
	mu    sync.Mutex
	calls []fired
}

func (f *fakeLauncher) TriggerWorkflow(_ context.Context, id string, trigger model.TriggerType, input map[string]any) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fired{workflow: id, trigger: trigger, input: input})
	return &model.Execution{ID: fmt.Sprintf("x%d", len(f.calls)), WorkflowID: id}, nil
}

type harness struct {
	mu    sync.Mutex
	now   time.Time
	store *store.Store
	l     *fakeLauncher
	s     *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC), l: &fakeLauncher{}}
	h.store = store.NewMemory(store.WithClock(h.clock))
	t.Cleanup(func() { h.store.Close() })
	h.s = New(h.store, h.l, config.SchedulerConfig{PollInterval: 10 * time.Second})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) workflow(t *testing.T, id string, status model.WorkflowStatus, triggers ...model.Trigger) {
	t.Helper()
	err := h.store.CreateWorkflow(context.Background(), &model.Workflow{
		ID:       id,
		Name:     id,
		Status:   status,
		Steps:    []model.Step{{ID: "only", Type: "noop"}},
		Triggers: triggers,
	})
	if err != nil {
		t.Fatalf("create workflow %s: %v", id, err)
	}
}

func (h *harness) poll(t *testing.T) int {
	t.Helper()
	n, err := h.s.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return n
}

func TestIntervalTrigger(t *testing.T) {
	h := newHarness(t)
	h.workflow(t, "wf", model.WorkflowActive, model.Trigger{Type: model.TriggerSchedule, Schedule: "every 1m"})

	if n := h.poll(t); n != 0 {
		t.Fatalf("first poll only arms the trigger, fired %d", n)
	}
	h.advance(30 * time.Second)
	if n := h.poll(t); n != 0 {
		t.Fatalf("fired %d before the interval elapsed", n)
	}
	h.advance(31 * time.Second)
	if n := h.poll(t); n != 1 {
		t.Fatalf("expected 1 execution, got %d", n)
	}
	if n := h.poll(t); n != 0 {
		t.Fatalf("fired twice for one tick: %d", n)
	}

	call := h.l.calls[0]
	if call.workflow != "wf" || call.trigger != model.TriggerSchedule {
		t.Errorf("unexpected launch %+v", call)
	}
	if call.input["schedule"] != "Every minute" {
		t.Errorf("expected formatted schedule in input, got %v", call.input["schedule"])
	}
}

func TestCronTrigger(t *testing.T) {
	h := newHarness(t)
	h.workflow(t, "nightly", model.WorkflowActive, model.Trigger{Type: model.TriggerSchedule, Schedule: "0 9 * * *"})

	h.poll(t)
	h.advance(59 * time.Minute)
	if n := h.poll(t); n != 0 {
		t.Fatalf("fired before 09:00: %d", n)
	}
	h.advance(2 * time.Minute)
	if n := h.poll(t); n != 1 {
		t.Fatalf("expected the 09:00 run, got %d", n)
	}
}

func TestOnceTrigger(t *testing.T) {
	h := newHarness(t)
	at := h.now.Add(time.Minute).UnixMilli()
	h.workflow(t, "once", model.WorkflowActive, model.Trigger{
		Type:     model.TriggerSchedule,
		Schedule: fmt.Sprintf(`{"kind":"once","at_ms":%d}`, at),
	})

	h.poll(t)
	h.advance(2 * time.Minute)
	if n := h.poll(t); n != 1 {
		t.Fatalf("expected one run, got %d", n)
	}
	h.advance(time.Hour)
	if n := h.poll(t); n != 0 {
		t.Fatalf("one-off schedule fired again: %d", n)
	}
}

func TestInactiveWorkflowsAreIgnored(t *testing.T) {
	h := newHarness(t)
	tr := model.Trigger{Type: model.TriggerSchedule, Schedule: "every 1m"}
	h.workflow(t, "paused", model.WorkflowPaused, tr)
	h.workflow(t, "draft", model.WorkflowDraft, tr)

	h.poll(t)
	h.advance(5 * time.Minute)
	if n := h.poll(t); n != 0 {
		t.Fatalf("inactive workflows fired %d times", n)
	}
}

func TestRemovedTriggersArePruned(t *testing.T) {
	h := newHarness(t)
	h.workflow(t, "wf", model.WorkflowActive, model.Trigger{Type: model.TriggerSchedule, Schedule: "every 1m"})
	h.poll(t)
	if len(h.s.next) != 1 {
		t.Fatalf("expected one armed trigger, got %d", len(h.s.next))
	}

	_, err := h.store.UpdateWorkflow(context.Background(), "wf", func(wf *model.Workflow) error {
		wf.Triggers = nil
		return nil
	})
	if err != nil {
		t.Fatalf("update workflow: %v", err)
	}
	h.poll(t)
	if len(h.s.next) != 0 {
		t.Errorf("expected the index to be pruned, got %d entries", len(h.s.next))
	}
}

func TestEventTrigger(t *testing.T) {
	h := newHarness(t)
	h.workflow(t, "on-failure", model.WorkflowActive, model.Trigger{Type: model.TriggerEvent, Event: string(events.TaskFailed)})
	h.workflow(t, "other", model.WorkflowActive, model.Trigger{Type: model.TriggerEvent, Event: string(events.TaskCompleted)})

	task := &model.Task{ID: "t1", Name: "t1", Status: model.TaskFailed}
	n, err := h.s.HandleEvent(context.Background(), events.TaskEvent(events.TaskFailed, task, "boom"))
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 execution, got %d", n)
	}
	call := h.l.calls[0]
	if call.workflow != "on-failure" || call.trigger != model.TriggerEvent {
		t.Errorf("unexpected launch %+v", call)
	}
	if call.input["entity_id"] != "t1" {
		t.Errorf("expected entity id in input, got %v", call.input["entity_id"])
	}
	if _, ok := call.input["data"].(map[string]any); !ok {
		t.Errorf("expected decoded event data, got %T", call.input["data"])
	}
}

func TestEventTriggerIgnoresOwnEvents(t *testing.T) {
	h := newHarness(t)
	tr := model.Trigger{Type: model.TriggerEvent, Event: string(events.WorkflowCompleted)}
	h.workflow(t, "a", model.WorkflowActive, tr)
	h.workflow(t, "b", model.WorkflowActive, tr)

	done := events.WorkflowEvent(events.WorkflowCompleted, &model.Execution{ID: "x1", WorkflowID: "a", Status: model.ExecutionCompleted})
	n, err := h.s.HandleEvent(context.Background(), done)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n != 1 || h.l.calls[0].workflow != "b" {
		t.Fatalf("expected only b to fire, got %d calls %+v", n, h.l.calls)
	}
}

func TestEventTriggerIgnoresOwnStepTasks(t *testing.T) {
	h := newHarness(t)
	tr := model.Trigger{Type: model.TriggerEvent, Event: string(events.TaskCreated)}
	h.workflow(t, "w1", model.WorkflowActive, tr)

	step := events.TaskEvent(events.TaskCreated, &model.Task{ID: "x1-only", WorkflowID: "w1", ExecutionID: "x1", Priority: model.PriorityMedium, Status: model.TaskPending}, "")
	n, err := h.s.HandleEvent(context.Background(), step)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n != 0 || len(h.l.calls) != 0 {
		t.Fatalf("a step task must not relaunch its own workflow, got %d calls", len(h.l.calls))
	}

	other := events.TaskEvent(events.TaskCreated, &model.Task{ID: "t9", Priority: model.PriorityMedium, Status: model.TaskPending}, "")
	n, err = h.s.HandleEvent(context.Background(), other)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected an unrelated task to fire w1, got %d", n)
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	h := newHarness(t)
	e := events.New(events.TaskCreated, "t1", "", nil)
	for range cap(h.s.events) + 50 {
		h.s.Emit(e)
	}
	if h.s.dropped.Load() != 50 {
		t.Errorf("expected 50 dropped events, got %d", h.s.dropped.Load())
	}

	h.s.Emit(events.New(events.MetricsUpdate, "", "", nil))
	if h.s.dropped.Load() != 50 {
		t.Error("metrics updates should be ignored, not queued")
	}
}
