package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/schedule"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Launcher starts an execution for a trigger. Paused and disabled workflows
// are refused by the launcher.
type Launcher interface {
	TriggerWorkflow(ctx context.Context, id string, trigger model.TriggerType, input map[string]any) (*model.Execution, error)
}

// Scheduler fires schedule and event triggers of active workflows. The
// next-run index lives in memory and is rebuilt on start, so fire times
// missed while the process was down are not replayed.
type Scheduler struct {
	store        *store.Store
	launcher     Launcher
	pollInterval time.Duration
	reloadCh     chan struct{}
	events       chan events.Event
	dropped      atomic.Int64

	mu   sync.Mutex
	next map[string]entry
}

type entry struct {
	at   time.Time
	done bool
}

func New(s *store.Store, l Launcher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		launcher:     l,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
		events:       make(chan events.Event, 256),
		next:         make(map[string]entry),
	}
}

// UpdateConfig updates the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Emit queues a bus event for event triggers. It never blocks; events that
// do not fit the queue are dropped.
func (s *Scheduler) Emit(e events.Event) {
	if e.Type == events.MetricsUpdate {
		return
	}
	select {
	case s.events <- e:
	default:
		if s.dropped.Add(1)%100 == 1 {
			slog.Warn("scheduler event queue full, dropping", "type", e.Type)
		}
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	interval := s.pollInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", interval)
	if _, err := s.Poll(ctx); err != nil {
		slog.Error("scheduler poll failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			s.mu.Lock()
			interval = s.pollInterval
			s.mu.Unlock()
			ticker.Reset(interval)
			slog.Info("scheduler config reloaded", "poll_interval", interval)
		case e := <-s.events:
			if _, err := s.HandleEvent(ctx, e); err != nil {
				slog.Error("event trigger failed", "type", e.Type, "error", err)
			}
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				slog.Error("scheduler poll failed", "error", err)
			}
		}
	}
}

// Poll fires every schedule trigger that is due and returns how many
// executions it started. A trigger seen for the first time is only
// armed.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	wfs, _, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: model.WorkflowActive}, store.Page{})
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}

	now := s.store.Now()
	seen := make(map[string]bool)
	fired := 0
	for _, wf := range wfs {
		for i, tr := range wf.Triggers {
			if tr.Type != model.TriggerSchedule {
				continue
			}
			key := fmt.Sprintf("%s/%d/%s", wf.ID, i, tr.Schedule)
			seen[key] = true
			if s.due(key, tr.Schedule, now) {
				if s.fire(ctx, wf, model.TriggerSchedule, map[string]any{
					"schedule":     schedule.Format(tr.Schedule),
					"scheduled_at": now.UTC().Format(time.RFC3339),
				}) {
					fired++
				}
			}
		}
	}

	s.mu.Lock()
	for key := range s.next {
		if !seen[key] {
			delete(s.next, key)
		}
	}
	s.mu.Unlock()
	return fired, nil
}

// due reports whether the trigger should fire now and advances its next
// run time when it does.
func (s *Scheduler) due(key, raw string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := schedule.Parse(raw)
	if err != nil {
		slog.Warn("invalid schedule trigger", "key", key, "error", err)
		return false
	}
	e, ok := s.next[key]
	if !ok {
		e = entry{}
		if sched.Kind == "once" {
			// One-off schedules fire at their time even if they were
			// armed after it passed, as long as that was recent.
			e.at = time.UnixMilli(sched.AtMs)
			e.done = now.Sub(e.at) > s.pollInterval
		} else {
			next, ok := sched.NextRun(now)
			e.at, e.done = next, !ok
		}
		s.next[key] = e
		return false
	}
	if e.done || now.Before(e.at) {
		return false
	}
	next, more := sched.NextRun(now)
	s.next[key] = entry{at: next, done: !more}
	return true
}

// HandleEvent fires the event triggers matching e. A workflow never
// triggers on its own events, including those of its step tasks.
func (s *Scheduler) HandleEvent(ctx context.Context, e events.Event) (int, error) {
	wfs, _, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: model.WorkflowActive}, store.Page{})
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}

	origin := originWorkflow(e)
	fired := 0
	for _, wf := range wfs {
		if origin == wf.ID {
			continue
		}
		for _, tr := range wf.Triggers {
			if tr.Type != model.TriggerEvent || tr.Event != string(e.Type) {
				continue
			}
			input := map[string]any{
				"event":     string(e.Type),
				"entity_id": e.EntityID,
			}
			var data any
			if err := json.Unmarshal(e.Data, &data); err == nil {
				input["data"] = data
			}
			if s.fire(ctx, wf, model.TriggerEvent, input) {
				fired++
			}
			break
		}
	}
	return fired, nil
}

// originWorkflow names the workflow an event came from, if any.
func originWorkflow(e events.Event) string {
	switch e.Type.Entity() {
	case "workflow":
		return e.EntityID
	case "task":
		var p events.TaskPayload
		if err := e.Decode(&p); err != nil || p.Task == nil {
			return ""
		}
		return p.Task.WorkflowID
	}
	return ""
}

func (s *Scheduler) fire(ctx context.Context, wf *model.Workflow, trigger model.TriggerType, input map[string]any) bool {
	x, err := s.launcher.TriggerWorkflow(ctx, wf.ID, trigger, input)
	if err != nil {
		slog.Error("trigger workflow failed", "workflow", wf.ID, "trigger", trigger, "error", err)
		return false
	}
	slog.Info("workflow triggered", "workflow", wf.ID, "trigger", trigger, "execution", x.ID)
	return true
}
