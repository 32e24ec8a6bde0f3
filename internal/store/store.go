package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/model"
)

// Sealer encrypts documents at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Store persists agents, tasks, workflows and executions. It is the only
// durable state; every write is atomic per record and guarded by the
// record's revision.
type Store struct {
	b      backend
	sealer Sealer
	now    func() time.Time

	agents     *collection[model.Agent]
	tasks      *collection[model.Task]
	workflows  *collection[model.Workflow]
	executions *collection[model.Execution]
}

type Option func(*Store)

// WithSealer encrypts every stored document with s.
func WithSealer(s Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// Open creates a store for the configured driver.
func Open(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(opts...), nil
	case "postgres":
		b, err := openPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("store initialized", "driver", "postgres")
		return newStore(b, opts), nil
	case "sqlite", "":
		b, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("store initialized", "driver", "sqlite", "path", cfg.Path)
		return newStore(b, opts), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewMemory returns a store that keeps everything in process.
func NewMemory(opts ...Option) *Store {
	return newStore(newMemory(), opts)
}

func newStore(b backend, opts []Option) *Store {
	s := &Store{
		b:   b,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	s.agents = newCollection(s, agentsTable, agentKind)
	s.tasks = newCollection(s, tasksTable, taskKind)
	s.workflows = newCollection(s, workflowsTable, workflowKind)
	s.executions = newCollection(s, executionsTable, executionKind)
	return s
}

func (s *Store) Close() error {
	return s.b.close()
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) seal(data []byte) (string, error) {
	if s.sealer == nil {
		return string(data), nil
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) unseal(data string) ([]byte, error) {
	if s.sealer == nil {
		return []byte(data), nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode sealed document: %w", err)
	}
	plain, err := s.sealer.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	return plain, nil
}

// Page selects a 1-based page of a listing. Limit 0 returns everything.
type Page struct {
	Page  int
	Limit int
}

func (p Page) bounds(total int) (start, end int) {
	if p.Limit <= 0 {
		return 0, total
	}
	page := max(p.Page, 1)
	start = min((page-1)*p.Limit, total)
	end = min(start+p.Limit, total)
	return start, end
}

// RetryStale runs fn again while it loses revision races, up to attempts
// times. Any other error, including conflicts raised by fn itself, returns
// immediately.
func RetryStale(attempts int, fn func() error) error {
	var err error
	for range max(attempts, 1) {
		if err = fn(); !errors.Is(err, ErrStale) {
			return err
		}
	}
	return err
}
