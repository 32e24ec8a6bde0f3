package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	DispatcherChanged bool
	NewDispatcher     DispatcherConfig

	EngineChanged bool
	NewEngine     EngineConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	AgentsChanged bool
	NewAgents     AgentsConfig

	MetricsChanged bool
	NewMetrics     MetricsConfig

	LogLevelChanged bool
	NewLogging      LoggingConfig

	FleetChanged bool
	NewFleet     map[string]AgentDefinition

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.DispatcherChanged ||
		d.EngineChanged ||
		d.SchedulerChanged ||
		d.AgentsChanged ||
		d.MetricsChanged ||
		d.LogLevelChanged ||
		d.FleetChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Dispatcher != new.Dispatcher {
		d.DispatcherChanged = true
		d.NewDispatcher = new.Dispatcher
	}
	if old.Engine != new.Engine {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}
	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}
	if old.Agents != new.Agents {
		d.AgentsChanged = true
		d.NewAgents = new.Agents
	}
	if old.Metrics != new.Metrics {
		d.MetricsChanged = true
		d.NewMetrics = new.Metrics
	}
	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogging = new.Logging
	}

	if !maps.EqualFunc(old.Fleet, new.Fleet, sameDefinition) {
		d.FleetChanged = true
		d.NewFleet = new.Fleet
	}

	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Web.Port != new.Web.Port || old.Web.Enabled != new.Web.Enabled {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Web.Auth != new.Web.Auth {
		d.NonReloadable = append(d.NonReloadable, "web.auth")
	}
	if old.Telegram != new.Telegram {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}

func sameDefinition(a, b AgentDefinition) bool {
	return a.Name == b.Name &&
		a.Type == b.Type &&
		a.MaxConcurrentTasks == b.MaxConcurrentTasks &&
		a.AutoStart == b.AutoStart &&
		slices.Equal(a.Capabilities, b.Capabilities) &&
		maps.Equal(a.Tags, b.Tags)
}
