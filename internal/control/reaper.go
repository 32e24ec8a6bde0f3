package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Reaper watches agent liveness. Running agents that stop sending
// heartbeats move to error and lose their tasks; busy agents left without
// tasks after a cancellation or reclaim return to idle.
type Reaper struct {
	svc      *Service
	mu       sync.Mutex
	timeout  time.Duration
	interval time.Duration
}

func NewReaper(svc *Service, timeout, interval time.Duration) *Reaper {
	return &Reaper{svc: svc, timeout: timeout, interval: interval}
}

// SetTimeout changes the heartbeat timeout on config reload.
func (r *Reaper) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	r.svc.SetHeartbeatTimeout(d)
}

func (r *Reaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("agent sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns how many agents were marked failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	timeout := r.timeout
	r.mu.Unlock()

	agents, _, err := r.svc.store.ListAgents(ctx, store.AgentFilter{}, store.Page{})
	if err != nil {
		return 0, fmt.Errorf("list running agents: %w", err)
	}

	now := r.svc.store.Now()
	reaped := 0
	for _, a := range agents {
		if !a.Status.Running() {
			continue
		}
		seen := a.UpdatedAt
		if a.LastHeartbeat != nil {
			seen = *a.LastHeartbeat
		}
		if timeout > 0 && now.Sub(seen) > timeout {
			if r.reap(ctx, a.ID, seen, timeout) {
				reaped++
			}
			continue
		}
		if a.Status == model.AgentBusy {
			r.svc.release(ctx, a.ID)
		}
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, id string, seen time.Time, timeout time.Duration) bool {
	reason := fmt.Sprintf("no heartbeat for %s", timeout)
	_, err := r.svc.transition(ctx, id, model.AgentError, reason, func(a *model.Agent) error {
		// A heartbeat may have landed since the listing.
		if a.LastHeartbeat != nil && a.LastHeartbeat.After(seen) {
			return errUnchanged
		}
		if !a.Status.Running() {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		slog.Error("mark agent failed", "agent", id, "error", err)
		return false
	}
	a, err := r.svc.store.GetAgent(ctx, id)
	if err != nil || a.Status != model.AgentError {
		return false
	}
	slog.Warn("agent missed heartbeats", "agent", id, "last_seen", seen)
	r.svc.reclaim(ctx, id, reason)
	return true
}
