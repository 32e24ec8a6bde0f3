package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Reporter periodically publishes a metrics:update event.
type Reporter struct {
	store    *store.Store
	bus      *events.Bus
	interval time.Duration
	reloadCh chan time.Duration
}

func NewReporter(s *store.Store, bus *events.Bus, interval time.Duration) *Reporter {
	return &Reporter{
		store:    s,
		bus:      bus,
		interval: interval,
		reloadCh: make(chan time.Duration, 1),
	}
}

// SetInterval changes the reporting period of a running reporter.
func (r *Reporter) SetInterval(d time.Duration) {
	select {
	case r.reloadCh <- d:
	default:
	}
}

func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		slog.Info("metrics reporter disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("metrics reporter started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.reloadCh:
			if d > 0 {
				ticker.Reset(d)
				slog.Info("metrics interval updated", "interval", d)
			}
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report collects and publishes one snapshot.
func (r *Reporter) Report(ctx context.Context) {
	m, err := Collect(ctx, r.store)
	if err != nil {
		slog.Error("collect metrics failed", "error", err)
		return
	}
	r.bus.Emit(events.New(events.MetricsUpdate, "", "", m))
}
