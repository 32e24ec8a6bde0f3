package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/orkestra/internal/model"
)

// kind binds a model type to the generic collection.
type kind[T any] struct {
	id        func(*T) *string
	rev       func(*T) *int64
	created   func(*T) *time.Time
	updated   func(*T) *time.Time
	normalize func(*T)
	validate  func(*T) error
	// transition rejects illegal status changes between two versions.
	transition func(old, next *T) error
	cols       func(*T) []string
}

type collection[T any] struct {
	s *Store
	t table
	k kind[T]
}

func newCollection[T any](s *Store, t table, k kind[T]) *collection[T] {
	return &collection[T]{s: s, t: t, k: k}
}

func (c *collection[T]) encode(v *T) (doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return doc{}, fmt.Errorf("encode %s: %w", singular(c.t.name), err)
	}
	sealed, err := c.s.seal(data)
	if err != nil {
		return doc{}, err
	}
	return doc{id: *c.k.id(v), rev: *c.k.rev(v), cols: c.k.cols(v), data: sealed}, nil
}

func (c *collection[T]) decode(d doc) (*T, error) {
	data, err := c.s.unseal(d.data)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", singular(c.t.name), err)
	}
	*c.k.rev(v) = d.rev
	return v, nil
}

func (c *collection[T]) create(ctx context.Context, v *T) error {
	if *c.k.id(v) == "" {
		*c.k.id(v) = uuid.New().String()
	}
	c.k.normalize(v)
	if err := c.k.validate(v); err != nil {
		return err
	}
	now := c.s.now()
	*c.k.created(v) = now
	*c.k.updated(v) = now
	*c.k.rev(v) = 1

	d, err := c.encode(v)
	if err != nil {
		return err
	}
	return c.s.b.insert(ctx, c.t, d)
}

func (c *collection[T]) get(ctx context.Context, id string) (*T, error) {
	d, err := c.s.b.get(ctx, c.t, id)
	if err != nil {
		return nil, err
	}
	return c.decode(d)
}

func (c *collection[T]) list(ctx context.Context, conds []cond, page Page) ([]*T, int, error) {
	docs, total, err := c.s.b.list(ctx, c.t, conds, page)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		v, err := c.decode(d)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, nil
}

// update applies fn to a fresh copy of the record, revalidates it and writes
// it back only if nobody else wrote in between. An error from fn aborts the
// write and is returned unchanged.
func (c *collection[T]) update(ctx context.Context, id string, fn func(*T) error) (*T, error) {
	d, err := c.s.b.get(ctx, c.t, id)
	if err != nil {
		return nil, err
	}
	cur, err := c.decode(d)
	if err != nil {
		return nil, err
	}
	next, err := c.decode(d)
	if err != nil {
		return nil, err
	}

	if err := fn(next); err != nil {
		return nil, err
	}
	if *c.k.id(next) != id {
		return nil, model.Validationf("%s id is immutable", singular(c.t.name))
	}
	c.k.normalize(next)
	if err := c.k.validate(next); err != nil {
		return nil, err
	}
	if err := c.k.transition(cur, next); err != nil {
		return nil, err
	}

	*c.k.created(next) = *c.k.created(cur)
	*c.k.updated(next) = c.s.now()
	*c.k.rev(next) = d.rev + 1

	nd, err := c.encode(next)
	if err != nil {
		return nil, err
	}
	if err := c.s.b.cas(ctx, c.t, nd, d.rev); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *collection[T]) remove(ctx context.Context, id string) error {
	return c.s.b.remove(ctx, c.t, id)
}

var agentKind = kind[model.Agent]{
	id:        func(a *model.Agent) *string { return &a.ID },
	rev:       func(a *model.Agent) *int64 { return &a.Revision },
	created:   func(a *model.Agent) *time.Time { return &a.CreatedAt },
	updated:   func(a *model.Agent) *time.Time { return &a.UpdatedAt },
	normalize: (*model.Agent).Normalize,
	validate:  (*model.Agent).Validate,
	transition: func(old, next *model.Agent) error {
		if !model.CanTransitionAgent(old.Status, next.Status) {
			return model.Conflictf("agent %s cannot move from %s to %s", old.ID, old.Status, next.Status)
		}
		return nil
	},
	cols: func(a *model.Agent) []string {
		return []string{string(a.Type), string(a.Status)}
	},
}

var taskKind = kind[model.Task]{
	id:        func(t *model.Task) *string { return &t.ID },
	rev:       func(t *model.Task) *int64 { return &t.Revision },
	created:   func(t *model.Task) *time.Time { return &t.CreatedAt },
	updated:   func(t *model.Task) *time.Time { return &t.UpdatedAt },
	normalize: (*model.Task).Normalize,
	validate:  (*model.Task).Validate,
	transition: func(old, next *model.Task) error {
		if !model.CanTransitionTask(old.Status, next.Status) {
			return model.Conflictf("task %s cannot move from %s to %s", old.ID, old.Status, next.Status)
		}
		if next.Attempt < old.Attempt {
			return model.Conflictf("task %s attempt counter cannot decrease", old.ID)
		}
		return nil
	},
	cols: func(t *model.Task) []string {
		return []string{string(t.Status), t.AssignedTo, t.ExecutionID, t.WorkflowID}
	},
}

var workflowKind = kind[model.Workflow]{
	id:         func(w *model.Workflow) *string { return &w.ID },
	rev:        func(w *model.Workflow) *int64 { return &w.Revision },
	created:    func(w *model.Workflow) *time.Time { return &w.CreatedAt },
	updated:    func(w *model.Workflow) *time.Time { return &w.UpdatedAt },
	normalize:  (*model.Workflow).Normalize,
	validate:   (*model.Workflow).Validate,
	transition: func(old, next *model.Workflow) error { return nil },
	cols: func(w *model.Workflow) []string {
		return []string{string(w.Status)}
	},
}

var executionKind = kind[model.Execution]{
	id:        func(e *model.Execution) *string { return &e.ID },
	rev:       func(e *model.Execution) *int64 { return &e.Revision },
	created:   func(e *model.Execution) *time.Time { return &e.StartedAt },
	updated:   func(e *model.Execution) *time.Time { return &e.UpdatedAt },
	normalize: (*model.Execution).Normalize,
	validate:  (*model.Execution).Validate,
	transition: func(old, next *model.Execution) error {
		if !model.CanTransitionExecution(old.Status, next.Status) {
			return model.Conflictf("execution %s cannot move from %s to %s", old.ID, old.Status, next.Status)
		}
		if old.WorkflowID != next.WorkflowID {
			return model.Validationf("execution %s workflow is immutable", old.ID)
		}
		return nil
	},
	cols: func(e *model.Execution) []string {
		return []string{e.WorkflowID, string(e.Status)}
	},
}
