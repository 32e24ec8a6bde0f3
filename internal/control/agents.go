package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/metrics"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// AgentPatch carries the fields of a partial agent update. Nil fields are
// left alone.
type AgentPatch struct {
	Name         *string              `json:"name,omitempty"`
	Capabilities *[]string            `json:"capabilities,omitempty"`
	Config       *model.AgentConfig   `json:"config,omitempty"`
	Metadata     *model.AgentMetadata `json:"metadata,omitempty"`
	Status       *model.AgentStatus   `json:"status,omitempty"`
}

// CreateAgent registers an agent. Agents always start offline and must be
// started before they receive work.
func (s *Service) CreateAgent(ctx context.Context, a *model.Agent) (*model.Agent, error) {
	if a.Status != "" && a.Status != model.AgentOffline {
		return nil, model.Validationf("new agents start offline; use start to bring them up")
	}
	a.Status = model.AgentOffline
	a.LastHeartbeat = nil
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("agent registered", "agent", a.ID, "type", a.Type)
	return a, nil
}

func (s *Service) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

func (s *Service) ListAgents(ctx context.Context, f store.AgentFilter, p store.Page) ([]*model.Agent, int, error) {
	return s.store.ListAgents(ctx, f, p)
}

// PatchAgent updates an agent's definition. Status changes go through the
// same transition rules as start and stop; busy is only ever entered by
// acknowledging a task.
func (s *Service) PatchAgent(ctx context.Context, id string, p AgentPatch) (*model.Agent, error) {
	var (
		from    model.AgentStatus
		updated *model.Agent
	)
	err := store.RetryStale(3, func() error {
		return s.bus.Commit(id, func() ([]events.Event, error) {
			a, err := s.store.UpdateAgent(ctx, id, func(a *model.Agent) error {
				from = a.Status
				if p.Name != nil {
					a.Name = *p.Name
				}
				if p.Capabilities != nil {
					a.Capabilities = *p.Capabilities
				}
				if p.Config != nil {
					a.Config = *p.Config
				}
				if p.Metadata != nil {
					a.Metadata = *p.Metadata
				}
				if p.Status != nil && *p.Status != a.Status {
					if *p.Status == model.AgentBusy {
						return model.Validationf("busy is entered by acknowledging a task")
					}
					a.Status = *p.Status
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			updated = a
			if a.Status != from {
				return []events.Event{events.StatusChangedEvent(a, from, "updated")}, nil
			}
			return nil, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if from.Running() && !updated.Status.Running() {
		s.reclaim(ctx, updated.ID, fmt.Sprintf("agent %s is %s", id, updated.Status))
	}
	return updated, nil
}

// DeleteAgent removes an agent. Without drain it refuses while the agent
// still holds tasks; with drain the agent is stopped first so its tasks go
// back through the failure path.
func (s *Service) DeleteAgent(ctx context.Context, id string, drain bool) error {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if drain && a.Status != model.AgentOffline {
		if a, err = s.StopAgent(ctx, id); err != nil {
			return fmt.Errorf("drain agent %s: %w", id, err)
		}
	}
	return s.bus.Commit(id, func() ([]events.Event, error) {
		if err := s.store.DeleteAgent(ctx, id); err != nil {
			return nil, err
		}
		slog.Info("agent deleted", "agent", id, "drained", drain)
		if a.Status.Running() {
			return []events.Event{events.AgentDisconnectedEvent(a, "deleted")}, nil
		}
		return nil, nil
	})
}

// StartAgent brings an offline or maintenance agent up as idle. Starting a
// running agent is a no-op.
func (s *Service) StartAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.transition(ctx, id, model.AgentIdle, "started", func(a *model.Agent) error {
		if a.Status.Running() {
			return errUnchanged
		}
		if a.Status == model.AgentError {
			return model.Conflictf("agent %s is in error; restart it instead", id)
		}
		now := s.store.Now()
		a.LastHeartbeat = &now
		return nil
	})
}

// StopAgent takes an agent offline. Tasks it still holds are reclaimed.
func (s *Service) StopAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := s.transition(ctx, id, model.AgentOffline, "stopped", nil)
	if err != nil {
		return nil, err
	}
	s.reclaim(ctx, id, fmt.Sprintf("agent %s stopped", id))
	return a, nil
}

// RestartAgent stops and starts an agent. Both transitions are published.
func (s *Service) RestartAgent(ctx context.Context, id string) (*model.Agent, error) {
	if _, err := s.StopAgent(ctx, id); err != nil {
		return nil, err
	}
	return s.StartAgent(ctx, id)
}

func (s *Service) AgentMetrics(ctx context.Context, id string) (*metrics.AgentStats, error) {
	return metrics.CollectAgent(ctx, s.store, id)
}

func (s *Service) SystemMetrics(ctx context.Context) (*metrics.SystemMetrics, error) {
	return metrics.Collect(ctx, s.store)
}

// transition moves an agent to a new status and publishes the change in
// the same commit. guard may veto the change or return errUnchanged to
// make the call a no-op.
func (s *Service) transition(ctx context.Context, id string, to model.AgentStatus, reason string, guard func(*model.Agent) error) (*model.Agent, error) {
	var out *model.Agent
	err := store.RetryStale(3, func() error {
		return s.bus.Commit(id, func() ([]events.Event, error) {
			var from model.AgentStatus
			a, err := s.store.UpdateAgent(ctx, id, func(a *model.Agent) error {
				from = a.Status
				if guard != nil {
					if err := guard(a); err != nil {
						return err
					}
				}
				if a.Status == to {
					return errUnchanged
				}
				a.Status = to
				return nil
			})
			if err != nil {
				return nil, err
			}
			out = a
			slog.Info("agent status changed", "agent", id, "from", from, "to", to, "reason", reason)
			evs := []events.Event{events.StatusChangedEvent(a, from, reason)}
			if to == model.AgentError {
				evs = append(evs, events.AgentDisconnectedEvent(a, reason))
			}
			return evs, nil
		})
	})
	if errors.Is(err, errUnchanged) {
		return s.store.GetAgent(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// release returns a busy agent to idle once it holds no more tasks.
func (s *Service) release(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	active, err := s.store.ActiveTasks(ctx, agentID)
	if err != nil {
		slog.Warn("list active tasks failed", "agent", agentID, "error", err)
		return
	}
	if len(active) > 0 {
		return
	}
	_, err = s.transition(ctx, agentID, model.AgentIdle, "tasks finished", func(a *model.Agent) error {
		if a.Status != model.AgentBusy {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !model.IsNotFound(err) {
		slog.Warn("release agent failed", "agent", agentID, "error", err)
	}
}

func (s *Service) reclaim(ctx context.Context, agentID, reason string) {
	if s.dispatch == nil {
		return
	}
	n, err := s.dispatch.ReclaimAgent(ctx, agentID, reason)
	if err != nil {
		slog.Error("reclaim agent tasks failed", "agent", agentID, "error", err)
		return
	}
	if n > 0 {
		slog.Warn("agent tasks reclaimed", "agent", agentID, "tasks", n, "reason", reason)
	}
}
