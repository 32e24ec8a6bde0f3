package store

import (
	"context"

	"github.com/mtzanidakis/orkestra/internal/model"
)

// doc is one persisted record: the JSON (or sealed) document plus the
// columns the backend indexes for filtering.
type doc struct {
	id   string
	rev  int64
	cols []string
	data string
}

// cond restricts a listing to rows whose column matches one of the values.
type cond struct {
	col    string
	values []string
}

// table describes a collection layout shared by every backend.
type table struct {
	name string
	cols []string
}

var (
	agentsTable     = table{name: "agents", cols: []string{"type", "status"}}
	tasksTable      = table{name: "tasks", cols: []string{"status", "assigned_to", "execution_id", "workflow_id"}}
	workflowsTable  = table{name: "workflows", cols: []string{"status"}}
	executionsTable = table{name: "executions", cols: []string{"workflow_id", "status"}}

	allTables = []table{agentsTable, tasksTable, workflowsTable, executionsTable}
)

// backend is the storage engine underneath the typed collections. Writes are
// atomic per document.
type backend interface {
	insert(ctx context.Context, t table, d doc) error
	get(ctx context.Context, t table, id string) (doc, error)
	list(ctx context.Context, t table, conds []cond, page Page) ([]doc, int, error)
	// cas replaces the document only if its stored revision equals prevRev.
	cas(ctx context.Context, t table, d doc, prevRev int64) error
	remove(ctx context.Context, t table, id string) error
	close() error
}

// ErrStale reports a lost compare-and-swap: the record changed between read
// and write. It is a conflict; callers re-read and retry.
var ErrStale = &model.Error{Kind: model.ErrConflict, Msg: "record was modified concurrently"}

func notFound(t table, id string) error {
	return model.NotFoundf("%s %s not found", singular(t.name), id)
}

func singular(name string) string {
	return name[:len(name)-1]
}
