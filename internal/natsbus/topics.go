package natsbus

import "fmt"

// Subject layout:
//
//	agent.<id>.input       host -> agent, task assignments
//	agent.<id>.control     host -> agent, cancel and rollback notices
//	host.ipc.<id>          agent -> host, lifecycle signals (request/reply)
//	events.<entity>.<...>  state-transition events

func TopicAgentInput(agentID string) string {
	return fmt.Sprintf("agent.%s.input", agentID)
}

func TopicAgentControl(agentID string) string {
	return fmt.Sprintf("agent.%s.control", agentID)
}

func TopicIPC(agentID string) string {
	return fmt.Sprintf("host.ipc.%s", agentID)
}

// TopicEventsAgent carries agent events; the kind segment lets subscribers
// filter one agent's events by type.
func TopicEventsAgent(agentID, kind string) string {
	return fmt.Sprintf("events.agent.%s.%s", agentID, kind)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsWorkflow(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

const (
	TopicIPCAll       = "host.ipc.*"
	TopicEventsAll    = "events.>"
	TopicEventsAgents = "events.agent.>"
	TopicEventsTasks  = "events.task.*"
	TopicEventsFlows  = "events.workflow.*"
	TopicEventsMetric = "events.metrics"
)
