package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK    bool    `json:"ok,omitempty"`
	Error string  `json:"error,omitempty"`
	Code  string  `json:"code,omitempty"`
	Agent *agent  `json:"agent,omitempty"`
	Task  *task   `json:"task,omitempty"`
	Tasks []*task `json:"tasks,omitempty"`
}

type agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type task struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Attempt  int    `json:"attempt"`
	Fatal    bool   `json:"fatal,omitempty"`
}

func sendIPC(natsURL, agentID, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("host.ipc.%s", agentID)
	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// watch prints assignments and control notices for the agent until
// interrupted.
func watch(natsURL, agentID string, out chan<- string) (func(), error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	for _, subject := range []string{"agent." + agentID + ".input", "agent." + agentID + ".control"} {
		_, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			out <- fmt.Sprintf("%s %s", msg.Subject, msg.Data)
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn.Close, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// buildPayload turns command flags into the IPC payload for reqType.
func buildPayload(reqType string, args map[string]string) (map[string]any, error) {
	switch reqType {
	case "heartbeat", "list_tasks":
		return map[string]any{}, nil
	case "create_task":
		if args["name"] == "" {
			return nil, fmt.Errorf("--name is required")
		}
		p := map[string]any{"name": args["name"]}
		if v := args["type"]; v != "" {
			p["type"] = v
		}
		if v := args["priority"]; v != "" {
			p["priority"] = v
		}
		return p, nil
	}

	if args["task"] == "" {
		return nil, fmt.Errorf("--task is required")
	}
	p := map[string]any{"task_id": args["task"]}
	switch reqType {
	case "progress":
		n, err := strconv.Atoi(args["percent"])
		if err != nil {
			return nil, fmt.Errorf("--percent must be a number")
		}
		p["progress"] = n
		if v := args["message"]; v != "" {
			p["message"] = v
		}
	case "complete":
		result := map[string]any{"success": true}
		if v := args["data"]; v != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(v), &data); err != nil {
				return nil, fmt.Errorf("--data must be a JSON object: %w", err)
			}
			result["data"] = data
		}
		p["result"] = result
	case "fail":
		if args["error"] == "" {
			return nil, fmt.Errorf("--error is required")
		}
		p["error"] = args["error"]
		if v := args["retryable"]; v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("--retryable must be true or false")
			}
			p["retryable"] = b
		}
	}
	return p, nil
}

var commands = map[string]string{
	"heartbeat": "heartbeat",
	"tasks":     "list_tasks",
	"create":    "create_task",
	"ack":       "ack",
	"progress":  "progress",
	"complete":  "complete",
	"fail":      "fail",
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  agentctl heartbeat")
	fmt.Fprintln(os.Stderr, "  agentctl tasks")
	fmt.Fprintln(os.Stderr, `  agentctl create --name "..." [--type "..."] [--priority low|medium|high|critical]`)
	fmt.Fprintln(os.Stderr, `  agentctl ack --task "..."`)
	fmt.Fprintln(os.Stderr, `  agentctl progress --task "..." --percent 50 [--message "..."]`)
	fmt.Fprintln(os.Stderr, `  agentctl complete --task "..." [--data '{"k":"v"}']`)
	fmt.Fprintln(os.Stderr, `  agentctl fail --task "..." --error "..." [--retryable false]`)
	fmt.Fprintln(os.Stderr, "  agentctl watch")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printResponse(resp *ipcResponse) {
	switch {
	case resp.Agent != nil:
		fmt.Printf("Agent %s: %s\n", resp.Agent.ID, resp.Agent.Status)
	case resp.Task != nil:
		t := resp.Task
		fmt.Printf("Task %s: %s (progress %d%%, attempt %d)\n", t.ID, t.Status, t.Progress, t.Attempt)
		if t.Fatal {
			fmt.Println("No retries left.")
		}
	case resp.Tasks != nil || resp.OK:
		if len(resp.Tasks) == 0 {
			fmt.Println("No active tasks.")
		}
		for _, t := range resp.Tasks {
			fmt.Printf("  %s  %s  %s  %d%%\n", t.ID, t.Status, t.Name, t.Progress)
		}
	}
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		fatal("AGENT_ID is required")
	}

	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	if command == "watch" {
		lines := make(chan string, 16)
		stop, err := watch(natsURL, agentID, lines)
		if err != nil {
			fatal("%v", err)
		}
		defer stop()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		for {
			select {
			case line := <-lines:
				fmt.Println(line)
			case <-sigCh:
				return
			}
		}
	}

	reqType, ok := commands[command]
	if !ok {
		fatal("unknown command: %s", command)
	}
	payload, err := buildPayload(reqType, parseArgs(os.Args[2:]))
	if err != nil {
		fatal("%v", err)
	}
	resp, err := sendIPC(natsURL, agentID, reqType, payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s (%s)", resp.Error, resp.Code)
	}
	printResponse(resp)
}
