package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "multiple flags",
			args: []string{"--task", "t1", "--percent", "40"},
			want: map[string]string{"task": "t1", "percent": "40"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--task"},
			want: map[string]string{},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-t", "t1"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestBuildPayload(t *testing.T) {
	p, err := buildPayload("progress", map[string]string{"task": "t1", "percent": "40", "message": "halfway"})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p["task_id"] != "t1" || p["progress"] != 40 || p["message"] != "halfway" {
		t.Errorf("unexpected progress payload: %v", p)
	}

	p, err = buildPayload("fail", map[string]string{"task": "t1", "error": "disk full", "retryable": "false"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if p["retryable"] != false || p["error"] != "disk full" {
		t.Errorf("unexpected fail payload: %v", p)
	}

	p, err = buildPayload("complete", map[string]string{"task": "t1", "data": `{"rows":3}`})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	result := p["result"].(map[string]any)
	if result["success"] != true || result["data"].(map[string]any)["rows"] != float64(3) {
		t.Errorf("unexpected complete payload: %v", p)
	}

	errCases := []struct {
		reqType string
		args    map[string]string
	}{
		{"ack", map[string]string{}},
		{"progress", map[string]string{"task": "t1", "percent": "lots"}},
		{"fail", map[string]string{"task": "t1"}},
		{"fail", map[string]string{"task": "t1", "error": "x", "retryable": "maybe"}},
		{"complete", map[string]string{"task": "t1", "data": "[1]"}},
		{"create_task", map[string]string{}},
	}
	for _, tc := range errCases {
		if _, err := buildPayload(tc.reqType, tc.args); err == nil {
			t.Errorf("%s %v: expected an error", tc.reqType, tc.args)
		}
	}
}

func startTestNATS(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestSendIPCAck(t *testing.T) {
	bus := startTestNATS(t)
	url := bus.ClientURL()

	// Mock IPC responder
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	_, err = conn.Subscribe("host.ipc.worker-1", func(msg *nats.Msg) {
		var req ipcRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Type != "ack" {
			t.Errorf("expected type ack, got %s", req.Type)
		}
		if req.Payload["task_id"] != "task-123" {
			t.Errorf("expected task_id task-123, got %v", req.Payload["task_id"])
		}
		resp, _ := json.Marshal(ipcResponse{OK: true, Task: &task{ID: "task-123", Status: "in_progress", Attempt: 1}})
		msg.Respond(resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.Flush()

	resp, err := sendIPC(url, "worker-1", "ack", map[string]any{"task_id": "task-123"})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Task == nil || resp.Task.Status != "in_progress" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSendIPCErrorResponse(t *testing.T) {
	bus := startTestNATS(t)
	url := bus.ClientURL()

	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	_, err = conn.Subscribe("host.ipc.worker-1", func(msg *nats.Msg) {
		resp, _ := json.Marshal(ipcResponse{Error: "task t9 is not assigned to agent worker-1", Code: "conflict"})
		msg.Respond(resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.Flush()

	resp, err := sendIPC(url, "worker-1", "complete", map[string]any{"task_id": "t9"})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Code != "conflict" {
		t.Errorf("expected code conflict, got %q", resp.Code)
	}
}

func TestWatch(t *testing.T) {
	bus := startTestNATS(t)
	url := bus.ClientURL()

	lines := make(chan string, 4)
	stop, err := watch(url, "worker-1", lines)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	conn.Publish("agent.worker-1.control", []byte(`{"type":"cancel","task_id":"t1"}`))
	conn.Publish("agent.worker-2.control", []byte(`{"type":"cancel","task_id":"t2"}`))
	conn.Flush()

	select {
	case line := <-lines:
		want := `agent.worker-1.control {"type":"cancel","task_id":"t1"}`
		if line != want {
			t.Errorf("got %q, want %q", line, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notice received")
	}
	select {
	case line := <-lines:
		t.Errorf("unexpected line %q", line)
	case <-time.After(100 * time.Millisecond):
	}
}
