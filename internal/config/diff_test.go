package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_DispatcherChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Dispatcher.Policy = "round-robin"

	d := Diff(&old, &new)
	if !d.DispatcherChanged {
		t.Fatal("expected dispatcher change")
	}
	if d.NewDispatcher.Policy != "round-robin" {
		t.Errorf("expected new policy round-robin, got %s", d.NewDispatcher.Policy)
	}
	if !d.HasChanges() {
		t.Error("expected HasChanges")
	}
}

func TestDiff_IntervalsChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Engine.PollInterval = time.Second
	new.Scheduler.PollInterval = time.Minute
	new.Agents.HeartbeatTimeout = 10 * time.Second
	new.Metrics.Interval = time.Minute

	d := Diff(&old, &new)
	if !d.EngineChanged || d.NewEngine.PollInterval != time.Second {
		t.Errorf("expected engine change, got %+v", d.NewEngine)
	}
	if !d.SchedulerChanged || d.NewScheduler.PollInterval != time.Minute {
		t.Errorf("expected scheduler change, got %+v", d.NewScheduler)
	}
	if !d.AgentsChanged || d.NewAgents.HeartbeatTimeout != 10*time.Second {
		t.Errorf("expected agents change, got %+v", d.NewAgents)
	}
	if !d.MetricsChanged {
		t.Error("expected metrics change")
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Web.Port = 9999
	new.Store.Path = "/elsewhere.db"
	new.Vault.Passphrase = "changed"

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	want := map[string]bool{"web.port": true, "store": true, "vault.passphrase": true}
	if len(d.NonReloadable) != len(want) {
		t.Fatalf("expected %d warnings, got %v", len(want), d.NonReloadable)
	}
	for _, f := range d.NonReloadable {
		if !want[f] {
			t.Errorf("unexpected non-reloadable field %s", f)
		}
	}
}

func TestDiff_FleetChanged(t *testing.T) {
	old := defaults()
	old.Fleet = map[string]AgentDefinition{
		"builder": {Type: "worker", Capabilities: []string{"go"}},
	}
	same := defaults()
	same.Fleet = map[string]AgentDefinition{
		"builder": {Type: "worker", Capabilities: []string{"go"}},
	}
	if d := Diff(&old, &same); d.FleetChanged {
		t.Error("expected identical fleets to compare equal")
	}

	grown := defaults()
	grown.Fleet = map[string]AgentDefinition{
		"builder": {Type: "worker", Capabilities: []string{"go", "rust"}},
	}
	d := Diff(&old, &grown)
	if !d.FleetChanged || !d.HasChanges() {
		t.Fatal("expected fleet change")
	}
	if len(d.NewFleet["builder"].Capabilities) != 2 {
		t.Errorf("unexpected new fleet: %+v", d.NewFleet)
	}
}
