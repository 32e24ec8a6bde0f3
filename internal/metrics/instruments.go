package metrics

import (
	"context"
	"time"

	"github.com/mtzanidakis/orkestra/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments records task and workflow lifecycle metrics. A nil
// *Instruments is valid and records nothing.
type Instruments struct {
	tasksCreated       metric.Int64Counter
	tasksAssigned      metric.Int64Counter
	tasksFinished      metric.Int64Counter
	noCandidate        metric.Int64Counter
	reclaimed          metric.Int64Counter
	taskDuration       metric.Float64Histogram
	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	executionDuration  metric.Float64Histogram
}

// NewInstruments registers the instruments on mp, or on the global meter
// provider when mp is nil.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("orkestra")

	var (
		m   Instruments
		err error
	)
	if m.tasksCreated, err = meter.Int64Counter(
		"orkestra.tasks.created",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.tasksAssigned, err = meter.Int64Counter(
		"orkestra.tasks.assigned",
		metric.WithDescription("Total number of task assignments"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.tasksFinished, err = meter.Int64Counter(
		"orkestra.tasks.finished",
		metric.WithDescription("Tasks that reached completed, failed or cancelled"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.noCandidate, err = meter.Int64Counter(
		"orkestra.dispatch.no_candidate",
		metric.WithDescription("Dispatch attempts that found no eligible agent"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.reclaimed, err = meter.Int64Counter(
		"orkestra.tasks.reclaimed",
		metric.WithDescription("Tasks taken back from failed or offline agents"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"orkestra.task.duration",
		metric.WithDescription("Task execution time reported by agents"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.executionsStarted, err = meter.Int64Counter(
		"orkestra.executions.started",
		metric.WithDescription("Workflow executions started"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.executionsFinished, err = meter.Int64Counter(
		"orkestra.executions.finished",
		metric.WithDescription("Workflow executions finished"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.executionDuration, err = meter.Float64Histogram(
		"orkestra.execution.duration",
		metric.WithDescription("Wall time of workflow executions"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Instruments) RecordTaskCreated(ctx context.Context, task *model.Task) {
	if m == nil {
		return
	}
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.type", task.Type),
		attribute.String("task.priority", task.Priority.String()),
	))
}

func (m *Instruments) RecordTaskAssigned(ctx context.Context, agentID, policy string) {
	if m == nil {
		return
	}
	m.tasksAssigned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("dispatch.policy", policy),
	))
}

func (m *Instruments) RecordTaskFinished(ctx context.Context, task *model.Task) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.id", task.AssignedTo),
		attribute.String("status", string(task.Status)),
	)
	m.tasksFinished.Add(ctx, 1, attrs)
	if task.Result != nil && task.Result.ExecutionTimeMs > 0 {
		d := time.Duration(task.Result.ExecutionTimeMs) * time.Millisecond
		m.taskDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordNoCandidate is the capacity warning: a ready task found no agent.
func (m *Instruments) RecordNoCandidate(ctx context.Context, task *model.Task) {
	if m == nil {
		return
	}
	m.noCandidate.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.type", task.Type),
	))
}

func (m *Instruments) RecordReclaimed(ctx context.Context, agentID, outcome string) {
	if m == nil {
		return
	}
	m.reclaimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("outcome", outcome),
	))
}

func (m *Instruments) RecordExecutionStarted(ctx context.Context, e *model.Execution) {
	if m == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.id", e.WorkflowID),
		attribute.String("trigger", string(e.Trigger)),
	))
}

func (m *Instruments) RecordExecutionFinished(ctx context.Context, e *model.Execution) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow.id", e.WorkflowID),
		attribute.String("status", string(e.Status)),
	)
	m.executionsFinished.Add(ctx, 1, attrs)
	if e.CompletedAt != nil {
		m.executionDuration.Record(ctx, e.CompletedAt.Sub(e.StartedAt).Seconds(), attrs)
	}
}
