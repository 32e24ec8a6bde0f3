package store

import (
	"context"

	"github.com/mtzanidakis/orkestra/internal/model"
)

type AgentFilter struct {
	Type   model.AgentType
	Status model.AgentStatus
}

func (f AgentFilter) conds() []cond {
	var cs []cond
	if f.Type != "" {
		cs = append(cs, cond{col: "type", values: []string{string(f.Type)}})
	}
	if f.Status != "" {
		cs = append(cs, cond{col: "status", values: []string{string(f.Status)}})
	}
	return cs
}

// CreateAgent assigns an id when empty, fills defaults and persists the agent.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	return s.agents.create(ctx, a)
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.agents.get(ctx, id)
}

func (s *Store) ListAgents(ctx context.Context, f AgentFilter, p Page) ([]*model.Agent, int, error) {
	return s.agents.list(ctx, f.conds(), p)
}

func (s *Store) UpdateAgent(ctx context.Context, id string, fn func(*model.Agent) error) (*model.Agent, error) {
	return s.agents.update(ctx, id, fn)
}

// DeleteAgent refuses while the agent still holds assigned or in-progress
// tasks.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.agents.get(ctx, id); err != nil {
		return err
	}
	active, err := s.ActiveTasks(ctx, id)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return model.Conflictf("agent %s still owns %d active tasks", id, len(active))
	}
	return s.agents.remove(ctx, id)
}
