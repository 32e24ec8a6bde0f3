package control

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/metrics"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Dispatcher is the part of the dispatcher the control API drives.
type Dispatcher interface {
	Assign(ctx context.Context, taskID, agentID string) (*model.Task, error)
	ReclaimAgent(ctx context.Context, agentID, reason string) (int, error)
}

// Launcher starts workflow executions.
type Launcher interface {
	Launch(ctx context.Context, wf *model.Workflow, trigger model.TriggerType, input map[string]any) (*model.Execution, error)
}

// Noticer delivers out-of-band notices to agents.
type Noticer interface {
	SendNotice(agentID string, n natsbus.Notice) error
}

// ErrBadToken rejects a webhook call whose token does not match.
var ErrBadToken = errors.New("invalid webhook token")

// errUnchanged short-circuits writes that would not change anything.
var errUnchanged = errors.New("unchanged")

// Service is the single synchronous entry point for every mutation. Each
// call returns once the store write is durable; events leave through the
// bus asynchronously.
type Service struct {
	store    *store.Store
	bus      *events.Bus
	dispatch Dispatcher
	engine   Launcher
	noticer  Noticer
	metrics  *metrics.Instruments

	defaultMaxRetries atomic.Int64
	heartbeatTimeout  atomic.Int64
}

type Option func(*Service)

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatch = d }
}

func WithLauncher(l Launcher) Option {
	return func(s *Service) { s.engine = l }
}

func WithNoticer(n Noticer) Option {
	return func(s *Service) { s.noticer = n }
}

func WithInstruments(m *metrics.Instruments) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDefaultMaxRetries applies to tasks created without max_retries.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Service) { s.defaultMaxRetries.Store(int64(n)) }
}

// WithHeartbeatTimeout sets how long an agent may stay silent before a
// heartbeat counts as a reconnect.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Service) { s.heartbeatTimeout.Store(int64(d)) }
}

func New(s *store.Store, bus *events.Bus, opts ...Option) *Service {
	svc := &Service{store: s, bus: bus}
	svc.heartbeatTimeout.Store(int64(90 * time.Second))
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// Store exposes the underlying store for read paths that need it.
func (s *Service) Store() *store.Store {
	return s.store
}

// SetDefaultMaxRetries updates the retry default on config reload.
func (s *Service) SetDefaultMaxRetries(n int) {
	s.defaultMaxRetries.Store(int64(n))
}

// SetHeartbeatTimeout updates the reconnect threshold on config reload.
func (s *Service) SetHeartbeatTimeout(d time.Duration) {
	s.heartbeatTimeout.Store(int64(d))
}
