package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/control"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// ManagedTag marks agents owned by the config fleet. Agents registered
// through the API never carry it and are left alone by Sync.
const ManagedTag = "managed-by"

const managedValue = "config"

// Control is the slice of the control service the registry drives.
type Control interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context, f store.AgentFilter, p store.Page) ([]*model.Agent, int, error)
	CreateAgent(ctx context.Context, a *model.Agent) (*model.Agent, error)
	PatchAgent(ctx context.Context, id string, p control.AgentPatch) (*model.Agent, error)
	StartAgent(ctx context.Context, id string) (*model.Agent, error)
	DeleteAgent(ctx context.Context, id string, drain bool) error
}

type Registry struct {
	ctl    Control
	agents map[string]config.AgentDefinition
}

func New(ctl Control, agents map[string]config.AgentDefinition) *Registry {
	return &Registry{ctl: ctl, agents: agents}
}

// SyncResult counts what a Sync changed.
type SyncResult struct {
	Created int
	Updated int
	Started int
	Removed int
}

// Sync registers every declared agent, brings existing ones in line with
// their definition and drains managed agents that are no longer declared.
func (r *Registry) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	ids := r.Declared()
	for _, id := range ids {
		def := r.agents[id]
		want := desired(id, def)

		current, err := r.ctl.GetAgent(ctx, id)
		switch {
		case model.IsNotFound(err):
			if _, err := r.ctl.CreateAgent(ctx, want); err != nil {
				return res, fmt.Errorf("register agent %s: %w", id, err)
			}
			res.Created++
			current = want
		case err != nil:
			return res, fmt.Errorf("get agent %s: %w", id, err)
		default:
			if current.Type != want.Type {
				return res, fmt.Errorf("agent %s is a %s, the fleet declares a %s", id, current.Type, want.Type)
			}
			if patch, ok := diff(current, want); ok {
				if current, err = r.ctl.PatchAgent(ctx, id, patch); err != nil {
					return res, fmt.Errorf("update agent %s: %w", id, err)
				}
				res.Updated++
			}
		}

		if def.AutoStart && (current.Status == model.AgentOffline || current.Status == model.AgentMaintenance) {
			if _, err := r.ctl.StartAgent(ctx, id); err != nil {
				return res, fmt.Errorf("start agent %s: %w", id, err)
			}
			res.Started++
		}
	}

	all, _, err := r.ctl.ListAgents(ctx, store.AgentFilter{}, store.Page{})
	if err != nil {
		return res, fmt.Errorf("list agents: %w", err)
	}
	for _, a := range all {
		if a.Metadata.Tags[ManagedTag] != managedValue {
			continue
		}
		if _, declared := r.agents[a.ID]; declared {
			continue
		}
		if err := r.ctl.DeleteAgent(ctx, a.ID, true); err != nil {
			return res, fmt.Errorf("remove agent %s: %w", a.ID, err)
		}
		res.Removed++
	}

	slog.Info("agent fleet synced", "declared", len(ids), "created", res.Created,
		"updated", res.Updated, "started", res.Started, "removed", res.Removed)
	return res, nil
}

// Replace swaps the declared fleet, for config reloads. The next Sync
// applies it.
func (r *Registry) Replace(agents map[string]config.AgentDefinition) {
	r.agents = agents
}

// Declared lists the ids of the declared agents.
func (r *Registry) Declared() []string {
	return slices.Sorted(maps.Keys(r.agents))
}

func desired(id string, def config.AgentDefinition) *model.Agent {
	name := def.Name
	if name == "" {
		name = id
	}
	tags := maps.Clone(def.Tags)
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	tags[ManagedTag] = managedValue

	a := &model.Agent{
		ID:           id,
		Name:         name,
		Type:         model.AgentType(def.Type),
		Capabilities: def.Capabilities,
		Config:       model.AgentConfig{MaxConcurrentTasks: def.MaxConcurrentTasks},
		Metadata:     model.AgentMetadata{Tags: tags},
	}
	a.Normalize()
	return a
}

// diff builds the patch that brings current in line with want. Fields the
// fleet does not declare are kept.
func diff(current, want *model.Agent) (control.AgentPatch, bool) {
	var p control.AgentPatch
	changed := false
	if current.Name != want.Name {
		p.Name = &want.Name
		changed = true
	}
	if !slices.Equal(current.Capabilities, want.Capabilities) {
		p.Capabilities = &want.Capabilities
		changed = true
	}
	if current.Config.MaxConcurrentTasks != want.Config.MaxConcurrentTasks {
		cfg := current.Config
		cfg.MaxConcurrentTasks = want.Config.MaxConcurrentTasks
		p.Config = &cfg
		changed = true
	}
	if !maps.Equal(current.Metadata.Tags, want.Metadata.Tags) {
		md := current.Metadata
		md.Tags = want.Metadata.Tags
		p.Metadata = &md
		changed = true
	}
	return p, changed
}
