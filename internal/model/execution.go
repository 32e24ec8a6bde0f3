package model

import "time"

type ExecutionStatus string

const (
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

func (s ExecutionStatus) Valid() bool {
	return s == ExecutionStarted || s == ExecutionCompleted || s == ExecutionFailed
}

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransitionExecution allows started to move to either terminal status
// exactly once.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	return from == to || (from == ExecutionStarted && to.Terminal())
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

type StepExecution struct {
	StepID      string      `json:"step_id"`
	Status      StepStatus  `json:"status"`
	TaskID      string      `json:"task_id,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	// CompletedSeq orders completions within an execution; rollback walks it
	// backwards.
	CompletedSeq int  `json:"completed_seq,omitempty"`
	RolledBack   bool `json:"rolled_back,omitempty"`
}

type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Trigger     TriggerType     `json:"trigger"`
	Input       map[string]any  `json:"input,omitempty"`
	Workflow    Workflow        `json:"workflow"`
	Steps       []StepExecution `json:"steps"`
	FailedSteps []string        `json:"failed_steps,omitempty"`
	RollbackRan bool            `json:"rollback_ran"`
	Error       string          `json:"error,omitempty"`
	Revision    int64           `json:"revision"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (e *Execution) Normalize() {
	if e.Status == "" {
		e.Status = ExecutionStarted
	}
	if e.Trigger == "" {
		e.Trigger = TriggerManual
	}
}

func (e *Execution) Validate() error {
	if e.ID == "" {
		return Validationf("execution id is required")
	}
	if e.WorkflowID == "" {
		return Validationf("execution needs a workflow id")
	}
	if !e.Status.Valid() {
		return Validationf("invalid execution status %q", e.Status)
	}
	if len(e.Steps) != len(e.Workflow.Steps) {
		return Validationf("execution tracks %d steps, workflow has %d", len(e.Steps), len(e.Workflow.Steps))
	}
	return nil
}

// Step returns the record for a step id, or nil.
func (e *Execution) Step(id string) *StepExecution {
	for i := range e.Steps {
		if e.Steps[i].StepID == id {
			return &e.Steps[i]
		}
	}
	return nil
}

// NewExecution snapshots the workflow into a fresh execution record with
// every step pending.
func NewExecution(id string, wf Workflow, trigger TriggerType, input map[string]any) *Execution {
	steps := make([]StepExecution, len(wf.Steps))
	for i, s := range wf.Steps {
		steps[i] = StepExecution{StepID: s.ID, Status: StepPending}
	}
	return &Execution{
		ID:         id,
		WorkflowID: wf.ID,
		Status:     ExecutionStarted,
		Trigger:    trigger,
		Input:      input,
		Workflow:   wf,
		Steps:      steps,
	}
}
