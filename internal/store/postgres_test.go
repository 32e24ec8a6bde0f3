package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres starts a PostgreSQL testcontainer and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("orkestra_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	return dsn
}

func TestPostgresBackend(t *testing.T) {
	dsn := startPostgres(t)
	s, err := Open(config.StoreConfig{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"t2", "t1", "t3"} {
		if err := s.CreateTask(ctx, &model.Task{ID: id, Name: id, Priority: model.PriorityHigh}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.CreateTask(ctx, &model.Task{ID: "t1", Name: "dup"}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict for duplicate id, got %v", err)
	}

	tasks, total, err := s.ListTasks(ctx, TaskFilter{Statuses: []model.TaskStatus{model.TaskPending}}, Page{Page: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(tasks) != 2 || tasks[0].ID != "t2" || tasks[1].ID != "t1" {
		t.Fatalf("unexpected listing total=%d %v", total, taskIDs(tasks))
	}

	if _, err := s.UpdateTask(ctx, "t1", func(t *model.Task) error {
		t.Status = model.TaskAssigned
		t.AssignedTo = "a1"
		return nil
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	active, err := s.ActiveTasks(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Priority != model.PriorityHigh {
		t.Fatalf("expected t1 active for a1, got %v", taskIDs(active))
	}
}
