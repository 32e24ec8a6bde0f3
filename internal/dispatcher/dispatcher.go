package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/metrics"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("orkestra/dispatcher")

// selectAttempts bounds how often one task is reselected after losing an
// assignment race.
const selectAttempts = 3

// Dispatcher assigns ready pending tasks to eligible agents. It keeps no
// state of its own beyond the policy; every cycle re-reads the store.
type Dispatcher struct {
	store    *store.Store
	bus      *events.Bus
	notifier AgentNotifier
	metrics  *metrics.Instruments

	// mu serializes assignment so per-agent capacity holds within the
	// process.
	mu     sync.Mutex
	policy Policy

	pollInterval time.Duration
	wake         chan struct{}
	reloadCh     chan time.Duration
}

type Option func(*Dispatcher)

func WithNotifier(n AgentNotifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithInstruments(m *metrics.Instruments) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

func New(s *store.Store, bus *events.Bus, policy Policy, opts ...Option) *Dispatcher {
	if policy == nil {
		policy = LeastLoaded{}
	}
	d := &Dispatcher{
		store:        s,
		bus:          bus,
		policy:       policy,
		pollInterval: 5 * time.Second,
		wake:         make(chan struct{}, 1),
		reloadCh:     make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Policy() Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

func (d *Dispatcher) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
	slog.Info("dispatch policy updated", "policy", p.Name())
}

// SetPollInterval resets the coarse timer of a running loop.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	select {
	case d.reloadCh <- interval:
	default:
	}
}

// Wake schedules a cycle without blocking. Wakes coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Emit lets the dispatcher sit on the event bus and wake on the changes
// that can make a task dispatchable.
func (d *Dispatcher) Emit(e events.Event) {
	if wakesDispatcher(e) {
		d.Wake()
	}
}

// WakeOn wakes the dispatcher on relevant events arriving over NATS.
func (d *Dispatcher) WakeOn(client *natsbus.Client) (*nats.Subscription, error) {
	return events.Subscribe(client, natsbus.TopicEventsAll, d.Emit)
}

func wakesDispatcher(e events.Event) bool {
	switch e.Type {
	case events.TaskCreated, events.TaskCompleted, events.TaskFailed,
		events.AgentConnected, events.AgentStatusChanged, events.AgentDisconnected:
		return true
	}
	return false
}

func (d *Dispatcher) Start(ctx context.Context) {
	if d.pollInterval <= 0 {
		d.pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	slog.Info("dispatcher started", "policy", d.Policy().Name(), "poll_interval", d.pollInterval)
	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case interval := <-d.reloadCh:
			if interval > 0 {
				d.pollInterval = interval
				ticker.Reset(interval)
				slog.Info("dispatcher poll interval updated", "poll_interval", interval)
			}
		case <-d.wake:
			d.cycle(ctx)
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		slog.Error("dispatch cycle failed", "error", err)
	}
}

// RunOnce reclaims tasks held by failed agents and then assigns every ready
// task it can. It returns the number of assignments made.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.cycle")
	defer span.End()

	if err := d.reclaim(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return 0, err
	}
	n, err := d.dispatch(ctx)
	span.SetAttributes(attribute.Int("dispatch.assigned", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	return n, err
}

// snapshot is the view of agents and their loads one cycle works from.
type snapshot struct {
	agents []*model.Agent
	active map[string]int
	// status caches dependency task states.
	status map[string]model.TaskStatus
}

func (d *Dispatcher) snapshot(ctx context.Context) (*snapshot, error) {
	agents, _, err := d.store.ListAgents(ctx, store.AgentFilter{}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	held, _, err := d.store.ListTasks(ctx, store.TaskFilter{
		Statuses: []model.TaskStatus{model.TaskAssigned, model.TaskInProgress},
	}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	sn := &snapshot{
		agents: agents,
		active: make(map[string]int),
		status: make(map[string]model.TaskStatus),
	}
	sort.Slice(sn.agents, func(i, j int) bool { return sn.agents[i].ID < sn.agents[j].ID })
	for _, t := range held {
		sn.active[t.AssignedTo]++
	}
	return sn, nil
}

func (d *Dispatcher) dispatch(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending, _, err := d.store.ListTasks(ctx, store.TaskFilter{
		Statuses: []model.TaskStatus{model.TaskPending},
	}, store.Page{})
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Less(pending[j]) })

	sn, err := d.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		ready, err := d.dependenciesMet(ctx, sn, t)
		if err != nil {
			return assigned, err
		}
		if !ready {
			continue
		}
		ok, err := d.place(ctx, sn, t)
		if err != nil {
			return assigned, err
		}
		if ok {
			assigned++
		}
	}
	return assigned, nil
}

// place picks an agent for t and assigns it, reselecting when the task or
// agent changed underneath.
func (d *Dispatcher) place(ctx context.Context, sn *snapshot, t *model.Task) (bool, error) {
	for range selectAttempts {
		cands := candidates(sn, t)
		if len(cands) == 0 {
			d.metrics.RecordNoCandidate(ctx, t)
			slog.Debug("no eligible agent, task stays pending", "task", t.ID, "capabilities", t.Requirements.Capabilities)
			return false, nil
		}
		pick := d.policy.Pick(t, cands)
		updated, err := d.assign(ctx, t.ID, pick.Agent.ID)
		switch {
		case err == nil:
			sn.active[pick.Agent.ID]++
			d.metrics.RecordTaskAssigned(ctx, pick.Agent.ID, d.policy.Name())
			d.notify(ctx, updated)
			return true, nil
		case errors.Is(err, model.ErrConflict):
			// Lost the race. Re-read and reselect if it is still pending.
			fresh, gerr := d.store.GetTask(ctx, t.ID)
			if gerr != nil || fresh.Status != model.TaskPending {
				return false, nil
			}
			t = fresh
			if err := d.refreshAgent(ctx, sn, pick.Agent.ID); err != nil {
				return false, err
			}
		default:
			return false, err
		}
	}
	return false, nil
}

func (d *Dispatcher) refreshAgent(ctx context.Context, sn *snapshot, id string) error {
	a, err := d.store.GetAgent(ctx, id)
	if model.IsNotFound(err) {
		sn.agents = slices.DeleteFunc(sn.agents, func(x *model.Agent) bool { return x.ID == id })
		return nil
	}
	if err != nil {
		return err
	}
	for i, x := range sn.agents {
		if x.ID == id {
			sn.agents[i] = a
		}
	}
	active, err := d.store.ActiveTasks(ctx, id)
	if err != nil {
		return err
	}
	sn.active[id] = len(active)
	return nil
}

// candidates returns the idle agents with spare capacity whose effective
// capabilities and resource limits cover the task, sorted by id.
func candidates(sn *snapshot, t *model.Task) []Candidate {
	var out []Candidate
	for _, a := range sn.agents {
		if a.Status != model.AgentIdle {
			continue
		}
		if eligible(a, sn.active[a.ID], t) {
			out = append(out, Candidate{Agent: a, Active: sn.active[a.ID]})
		}
	}
	return out
}

func eligible(a *model.Agent, active int, t *model.Task) bool {
	return active < a.Config.MaxConcurrentTasks &&
		model.HasCapabilities(a.EffectiveCapabilities(), t.Requirements.Capabilities) &&
		a.Config.ResourceLimits.Fits(t.Requirements.Resources)
}

func (d *Dispatcher) dependenciesMet(ctx context.Context, sn *snapshot, t *model.Task) (bool, error) {
	for _, dep := range t.Requirements.Dependencies {
		st, ok := sn.status[dep]
		if !ok {
			dt, err := d.store.GetTask(ctx, dep)
			if model.IsNotFound(err) {
				slog.Warn("task depends on a missing task", "task", t.ID, "dependency", dep)
				sn.status[dep] = ""
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("get dependency %s: %w", dep, err)
			}
			st = dt.Status
			sn.status[dep] = st
		}
		if st != model.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// assign moves a pending task to agentID with compare-and-swap on its
// revision and publishes task:assigned.
func (d *Dispatcher) assign(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	var updated *model.Task
	err := d.bus.Commit(taskID, func() ([]events.Event, error) {
		t, err := d.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
			if t.Status != model.TaskPending {
				return model.Conflictf("task %s is %s, not pending", t.ID, t.Status)
			}
			t.Status = model.TaskAssigned
			t.AssignedTo = agentID
			return nil
		})
		if err != nil {
			return nil, err
		}
		updated = t
		return []events.Event{events.TaskEvent(events.TaskAssigned, t, "")}, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task assigned", "task", taskID, "agent", agentID, "attempt", updated.Attempt)
	return updated, nil
}

// Assign places a task on a specific agent on behalf of an operator. The
// agent must be running with spare capacity and matching capabilities, and
// the task's dependencies must be completed.
func (d *Dispatcher) Assign(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TaskPending {
		return nil, model.Conflictf("task %s is %s, not pending", t.ID, t.Status)
	}
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !a.Status.Running() {
		return nil, model.Conflictf("agent %s is %s", a.ID, a.Status)
	}
	active, err := d.store.ActiveTasks(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(active) >= a.Config.MaxConcurrentTasks {
		return nil, model.Conflictf("agent %s is at capacity (%d)", a.ID, a.Config.MaxConcurrentTasks)
	}
	if !eligible(a, len(active), t) {
		return nil, model.Validationf("agent %s does not satisfy the requirements of task %s", a.ID, t.ID)
	}
	ready, err := d.dependenciesMet(ctx, &snapshot{status: map[string]model.TaskStatus{}}, t)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, model.Conflictf("task %s has unfinished dependencies", t.ID)
	}

	updated, err := d.assign(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	d.metrics.RecordTaskAssigned(ctx, agentID, "manual")
	d.notify(ctx, updated)
	return updated, nil
}

func (d *Dispatcher) notify(ctx context.Context, t *model.Task) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.NotifyAssigned(ctx, t); err != nil {
		slog.Warn("notify agent failed", "agent", t.AssignedTo, "task", t.ID, "error", err)
	}
}
