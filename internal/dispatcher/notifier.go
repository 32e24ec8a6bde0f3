package dispatcher

import (
	"context"

	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
)

// AgentNotifier tells an agent about a task it was given.
type AgentNotifier interface {
	NotifyAssigned(ctx context.Context, t *model.Task) error
}

// Assignment is the message an agent receives on agent.<id>.input.
type Assignment struct {
	Type string      `json:"type"`
	Task *model.Task `json:"task"`
}

// NATSNotifier publishes assignments on the agent's input subject.
type NATSNotifier struct {
	client *natsbus.Client
}

func NewNATSNotifier(client *natsbus.Client) *NATSNotifier {
	return &NATSNotifier{client: client}
}

func (n *NATSNotifier) NotifyAssigned(_ context.Context, t *model.Task) error {
	return n.client.PublishJSON(natsbus.TopicAgentInput(t.AssignedTo), Assignment{Type: "assign", Task: t})
}
