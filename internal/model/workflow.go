package model

import (
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/schedule"
)

type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowDisabled WorkflowStatus = "disabled"
)

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowDraft, WorkflowActive, WorkflowPaused, WorkflowDisabled:
		return true
	}
	return false
}

type ErrorHandling string

const (
	OnErrorStop     ErrorHandling = "stop"
	OnErrorContinue ErrorHandling = "continue"
	OnErrorRollback ErrorHandling = "rollback"
)

func (e ErrorHandling) Valid() bool {
	return e == OnErrorStop || e == OnErrorContinue || e == OnErrorRollback
}

type ConditionType string

const (
	// ConditionSuccess runs the step when every dependency completed.
	ConditionSuccess ConditionType = "success"
	// ConditionFailure runs the step when at least one dependency failed.
	ConditionFailure ConditionType = "failure"
	// ConditionAlways runs the step once every dependency is terminal.
	ConditionAlways ConditionType = "always"
	// ConditionCustom runs the step when a field of a dependency's result
	// equals the expected value.
	ConditionCustom ConditionType = "custom"
)

type Condition struct {
	Type   ConditionType `json:"type"`
	Step   string        `json:"step,omitempty"`
	Field  string        `json:"field,omitempty"`
	Equals any           `json:"equals,omitempty"`
}

type Step struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	AgentType AgentType      `json:"agent_type,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Condition *Condition     `json:"condition,omitempty"`
}

// ConditionType returns the effective condition, defaulting to success.
func (s *Step) ConditionType() ConditionType {
	if s.Condition == nil || s.Condition.Type == "" {
		return ConditionSuccess
	}
	return s.Condition.Type
}

type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
)

type Trigger struct {
	Type     TriggerType `json:"type"`
	Schedule string      `json:"schedule,omitempty"`
	Event    string      `json:"event,omitempty"`
	Token    string      `json:"token,omitempty"`
}

type WorkflowConfig struct {
	MaxRetries    int           `json:"max_retries"`
	TimeoutMs     int64         `json:"timeout_ms,omitempty"`
	Parallelism   int           `json:"parallelism"`
	ErrorHandling ErrorHandling `json:"error_handling"`
}

type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []Step         `json:"steps"`
	Triggers    []Trigger      `json:"triggers,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Config      WorkflowConfig `json:"config"`
	Revision    int64          `json:"revision"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (w *Workflow) Normalize() {
	w.Name = strings.TrimSpace(w.Name)
	if w.Status == "" {
		w.Status = WorkflowDraft
	}
	if w.Config.ErrorHandling == "" {
		w.Config.ErrorHandling = OnErrorStop
	}
	for i := range w.Steps {
		w.Steps[i].ID = strings.TrimSpace(w.Steps[i].ID)
		w.Steps[i].DependsOn = NormalizeSet(w.Steps[i].DependsOn)
		if w.Steps[i].Name == "" {
			w.Steps[i].Name = w.Steps[i].ID
		}
	}
}

// Validate checks required fields, enum values, triggers and that the step
// dependencies form a DAG.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return Validationf("workflow id is required")
	}
	if w.Name == "" {
		return Validationf("workflow name is required")
	}
	if !w.Status.Valid() {
		return Validationf("invalid workflow status %q", w.Status)
	}
	if len(w.Steps) == 0 {
		return Validationf("workflow %s has no steps", w.Name)
	}
	if !w.Config.ErrorHandling.Valid() {
		return Validationf("invalid error_handling %q", w.Config.ErrorHandling)
	}
	if w.Config.MaxRetries < 0 {
		return Validationf("max_retries must not be negative")
	}
	if w.Config.Parallelism < 0 {
		return Validationf("parallelism must not be negative")
	}
	if w.Config.TimeoutMs < 0 {
		return Validationf("timeout_ms must not be negative")
	}

	if _, err := PlanSteps(w.Steps); err != nil {
		return err
	}
	for _, s := range w.Steps {
		if s.AgentType != "" && !s.AgentType.Valid() {
			return Validationf("step %s: invalid agent type %q", s.ID, s.AgentType)
		}
		if err := validateCondition(s); err != nil {
			return err
		}
	}
	for i, tr := range w.Triggers {
		if err := validateTrigger(tr); err != nil {
			return Validationf("trigger %d: %v", i, err)
		}
	}
	return nil
}

func validateCondition(s Step) error {
	if s.Condition == nil {
		return nil
	}
	switch s.ConditionType() {
	case ConditionSuccess, ConditionAlways:
	case ConditionFailure:
		if len(s.DependsOn) == 0 {
			return Validationf("step %s: failure condition needs a dependency", s.ID)
		}
	case ConditionCustom:
		if s.Condition.Step == "" || s.Condition.Field == "" {
			return Validationf("step %s: custom condition needs step and field", s.ID)
		}
		found := false
		for _, d := range s.DependsOn {
			if d == s.Condition.Step {
				found = true
				break
			}
		}
		if !found {
			return Validationf("step %s: custom condition references %s which is not a dependency", s.ID, s.Condition.Step)
		}
	default:
		return Validationf("step %s: invalid condition type %q", s.ID, s.Condition.Type)
	}
	return nil
}

func validateTrigger(tr Trigger) error {
	switch tr.Type {
	case TriggerManual:
	case TriggerSchedule:
		if _, err := schedule.Normalize(tr.Schedule); err != nil {
			return err
		}
	case TriggerEvent:
		if tr.Event == "" {
			return Validationf("event trigger needs an event type")
		}
	case TriggerWebhook:
		if tr.Token == "" {
			return Validationf("webhook trigger needs a token")
		}
	default:
		return Validationf("invalid trigger type %q", tr.Type)
	}
	return nil
}

// StepByID returns the step with the given id.
func (w *Workflow) StepByID(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
