package store

import (
	"context"
	"slices"
	"sync"

	"github.com/mtzanidakis/orkestra/internal/model"
)

type memTable struct {
	docs  map[string]doc
	order []string
}

// memory keeps documents in process. Used for tests and the "memory"
// driver.
type memory struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

func newMemory() *memory {
	m := &memory{tables: make(map[string]*memTable, len(allTables))}
	for _, t := range allTables {
		m.tables[t.name] = &memTable{docs: make(map[string]doc)}
	}
	return m
}

func (m *memory) insert(_ context.Context, t table, d doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := m.tables[t.name]
	if _, ok := mt.docs[d.id]; ok {
		return model.Conflictf("%s %s already exists", singular(t.name), d.id)
	}
	mt.docs[d.id] = d
	mt.order = append(mt.order, d.id)
	return nil
}

func (m *memory) get(_ context.Context, t table, id string) (doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.tables[t.name].docs[id]
	if !ok {
		return doc{}, notFound(t, id)
	}
	return d, nil
}

func (m *memory) list(_ context.Context, t table, conds []cond, page Page) ([]doc, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt := m.tables[t.name]
	var matched []doc
	for _, id := range mt.order {
		d := mt.docs[id]
		if matches(t, d, conds) {
			matched = append(matched, d)
		}
	}

	start, end := page.bounds(len(matched))
	return matched[start:end], len(matched), nil
}

func matches(t table, d doc, conds []cond) bool {
	for _, c := range conds {
		i := slices.Index(t.cols, c.col)
		if i < 0 || !slices.Contains(c.values, d.cols[i]) {
			return false
		}
	}
	return true
}

func (m *memory) cas(_ context.Context, t table, d doc, prevRev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := m.tables[t.name]
	cur, ok := mt.docs[d.id]
	if !ok {
		return notFound(t, d.id)
	}
	if cur.rev != prevRev {
		return ErrStale
	}
	mt.docs[d.id] = d
	return nil
}

func (m *memory) remove(_ context.Context, t table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := m.tables[t.name]
	if _, ok := mt.docs[id]; !ok {
		return notFound(t, id)
	}
	delete(mt.docs, id)
	mt.order = slices.DeleteFunc(mt.order, func(s string) bool { return s == id })
	return nil
}

func (m *memory) close() error {
	return nil
}
