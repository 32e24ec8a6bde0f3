package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// WorkflowPatch carries the fields of a partial workflow update.
type WorkflowPatch struct {
	Name        *string               `json:"name,omitempty"`
	Description *string               `json:"description,omitempty"`
	Steps       *[]model.Step         `json:"steps,omitempty"`
	Triggers    *[]model.Trigger      `json:"triggers,omitempty"`
	Status      *model.WorkflowStatus `json:"status,omitempty"`
	Config      *model.WorkflowConfig `json:"config,omitempty"`
}

// CreateWorkflow stores a workflow definition. Definitions whose steps do
// not form a DAG are rejected and nothing is stored.
func (s *Service) CreateWorkflow(ctx context.Context, wf *model.Workflow) (*model.Workflow, error) {
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	slog.Info("workflow created", "workflow", wf.ID, "steps", len(wf.Steps), "status", wf.Status)
	return wf, nil
}

func (s *Service) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

func (s *Service) ListWorkflows(ctx context.Context, f store.WorkflowFilter, p store.Page) ([]*model.Workflow, int, error) {
	return s.store.ListWorkflows(ctx, f, p)
}

// PatchWorkflow updates a definition. Running executions keep the snapshot
// they started with.
func (s *Service) PatchWorkflow(ctx context.Context, id string, p WorkflowPatch) (*model.Workflow, error) {
	var out *model.Workflow
	err := store.RetryStale(3, func() error {
		wf, err := s.store.UpdateWorkflow(ctx, id, func(wf *model.Workflow) error {
			if p.Name != nil {
				wf.Name = *p.Name
			}
			if p.Description != nil {
				wf.Description = *p.Description
			}
			if p.Steps != nil {
				wf.Steps = *p.Steps
			}
			if p.Triggers != nil {
				wf.Triggers = *p.Triggers
			}
			if p.Status != nil {
				wf.Status = *p.Status
			}
			if p.Config != nil {
				wf.Config = *p.Config
			}
			return nil
		})
		out = wf
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("workflow updated", "workflow", id, "status", out.Status, "revision", out.Revision)
	return out, nil
}

func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	slog.Info("workflow deleted", "workflow", id)
	return nil
}

// ExecuteWorkflow starts a manual execution.
func (s *Service) ExecuteWorkflow(ctx context.Context, id string, input map[string]any) (*model.Execution, error) {
	return s.TriggerWorkflow(ctx, id, model.TriggerManual, input)
}

// TriggerWorkflow starts an execution on behalf of a trigger. Paused and
// disabled workflows refuse to run; drafts may still be run by hand.
func (s *Service) TriggerWorkflow(ctx context.Context, id string, trigger model.TriggerType, input map[string]any) (*model.Execution, error) {
	if s.engine == nil {
		return nil, errors.New("workflow engine is not running")
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case model.WorkflowPaused, model.WorkflowDisabled:
		return nil, model.Conflictf("workflow %s is %s", id, wf.Status)
	case model.WorkflowDraft:
		if trigger != model.TriggerManual {
			return nil, model.Conflictf("workflow %s is a draft", id)
		}
	}
	return s.engine.Launch(ctx, wf, trigger, input)
}

// FireWebhook runs a workflow from one of its webhook triggers. The token
// is compared in constant time.
func (s *Service) FireWebhook(ctx context.Context, id, token string, input map[string]any) (*model.Execution, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	ok := false
	for _, tr := range wf.Triggers {
		if tr.Type != model.TriggerWebhook || tr.Token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(tr.Token), []byte(token)) == 1 {
			ok = true
		}
	}
	if !ok {
		return nil, ErrBadToken
	}
	return s.TriggerWorkflow(ctx, id, model.TriggerWebhook, input)
}

func (s *Service) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *Service) ListExecutions(ctx context.Context, f store.ExecutionFilter, p store.Page) ([]*model.Execution, int, error) {
	if f.WorkflowID != "" {
		if _, err := s.store.GetWorkflow(ctx, f.WorkflowID); err != nil {
			return nil, 0, err
		}
	}
	return s.store.ListExecutions(ctx, f, p)
}
