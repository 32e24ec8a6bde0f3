package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/metrics"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	maxMessageLen = 4096
	queueSize     = 64
)

// StatusSource answers the /status command.
type StatusSource interface {
	SystemMetrics(ctx context.Context) (*metrics.SystemMetrics, error)
}

// Notifier posts failure alerts to one Telegram chat. It is an event sink:
// Emit only queues, Run does the sending.
type Notifier struct {
	bot     *telego.Bot
	chatID  int64
	status  StatusSource
	queue   chan string
	dropped atomic.Int64
	handler *th.BotHandler
}

func NewNotifier(cfg config.TelegramConfig, status StatusSource) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is not set")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{
		bot:    bot,
		chatID: cfg.ChatID,
		status: status,
		queue:  make(chan string, queueSize),
	}, nil
}

// Emit queues an alert for events worth a message. It never blocks.
func (n *Notifier) Emit(e events.Event) {
	text, ok := alert(e)
	if !ok {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.dropped.Add(1)
		slog.Warn("telegram queue full, dropping alert", "type", e.Type, "entity", e.EntityID)
	}
}

// Run sends queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			if err := n.SendMessage(ctx, text); err != nil {
				slog.Error("failed to send telegram alert", "chat", n.chatID, "error", err)
			}
		}
	}
}

// Listen answers /status from the configured chat over long polling.
func (n *Notifier) Listen(ctx context.Context) error {
	updates, err := n.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	handler, err := th.NewBotHandler(n.bot, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	n.handler = handler

	handler.HandleMessage(func(hctx *th.Context, msg telego.Message) error {
		if msg.Chat.ID != n.chatID {
			slog.Warn("telegram command from unknown chat", "chat", msg.Chat.ID)
			return nil
		}
		return n.SendMessage(hctx, n.statusText(hctx))
	}, th.CommandEqual("status"))

	go handler.Start()
	<-ctx.Done()
	return handler.Stop()
}

func (n *Notifier) statusText(ctx context.Context) string {
	if n.status == nil {
		return "status unavailable"
	}
	m, err := n.status.SystemMetrics(ctx)
	if err != nil {
		return "status unavailable: " + err.Error()
	}
	return fmt.Sprintf("agents: %d (idle %d, busy %d, error %d)\ntasks: %d (pending %d, running %d, failed %d)\nexecutions running: %d\nutilization: %.0f%%",
		m.Agents, m.AgentsByStatus[model.AgentIdle], m.AgentsByStatus[model.AgentBusy], m.AgentsByStatus[model.AgentError],
		m.Tasks, m.TasksByStatus[model.TaskPending], m.TasksByStatus[model.TaskInProgress], m.TasksByStatus[model.TaskFailed],
		m.ExecutionsRunning, m.Utilization*100)
}

func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage packs whole lines into chunks of at most maxLen bytes. A
// single line longer than that is cut on a rune boundary.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	open := false
	flush := func() {
		if open {
			chunks = append(chunks, cur.String())
			cur.Reset()
			open = false
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			flush()
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if open && cur.Len()+1+len(line) > maxLen {
			flush()
		}
		if open {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
		open = true
	}
	flush()
	return chunks
}

// Dropped reports alerts lost to a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// alert renders the message for an event, if it deserves one: fatal task
// failures, cancellations, failed executions and lost agents.
func alert(e events.Event) (string, bool) {
	switch e.Type {
	case events.TaskFailed:
		var p events.TaskPayload
		if err := e.Decode(&p); err != nil || p.Task == nil {
			return "", false
		}
		t := p.Task
		if t.Status == model.TaskFailed && !t.Fatal {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Task %s (%s) %s", t.Name, t.ID, t.Status)
		if t.AssignedTo != "" {
			fmt.Fprintf(&b, " on agent %s", t.AssignedTo)
		}
		fmt.Fprintf(&b, " after %d attempt(s)", t.Attempt)
		if t.Result != nil && t.Result.Error != "" {
			fmt.Fprintf(&b, "\n%s", t.Result.Error)
		}
		return b.String(), true
	case events.WorkflowCompleted:
		var p events.WorkflowPayload
		if err := e.Decode(&p); err != nil || p.Status != model.ExecutionFailed {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Workflow %s execution %s failed", p.WorkflowID, p.ExecutionID)
		if len(p.FailedSteps) > 0 {
			fmt.Fprintf(&b, "\nfailed steps: %s", strings.Join(p.FailedSteps, ", "))
		}
		if p.RollbackRan {
			b.WriteString("\nrollback ran")
		}
		if p.Error != "" {
			fmt.Fprintf(&b, "\n%s", p.Error)
		}
		return b.String(), true
	case events.AgentDisconnected:
		var p events.AgentPayload
		if err := e.Decode(&p); err != nil || p.Agent == nil || p.Agent.Status != model.AgentError {
			return "", false
		}
		text := fmt.Sprintf("Agent %s (%s) lost", p.Agent.Name, p.Agent.ID)
		if p.Reason != "" {
			text += ": " + p.Reason
		}
		return text, true
	}
	return "", false
}
