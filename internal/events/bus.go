package events

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Sink receives events in emission order.
type Sink interface {
	Emit(e Event)
}

const stripes = 64

// Bus is the single ordering point for notifications. Writers commit a
// store write together with the events it produces; commits on the same
// entity key are serialized so its events leave in commit order.
type Bus struct {
	sink  Sink
	locks [stripes]sync.Mutex
}

func NewBus(sink Sink) *Bus {
	return &Bus{sink: sink}
}

// Commit runs fn while holding the entity's lock and emits the returned
// events if fn succeeds. fn must not call Commit.
func (b *Bus) Commit(key string, fn func() ([]Event, error)) error {
	mu := &b.locks[stripe(key)]
	mu.Lock()
	defer mu.Unlock()

	evs, err := fn()
	if err != nil {
		return err
	}
	for _, e := range evs {
		b.sink.Emit(e)
	}
	return nil
}

// Emit publishes events that are not tied to a store write.
func (b *Bus) Emit(evs ...Event) {
	for _, e := range evs {
		b.sink.Emit(e)
	}
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % stripes
}

// Publisher forwards events to NATS from a single goroutine so the queue
// order is the wire order.
type Publisher struct {
	client  *natsbus.Client
	queue   chan Event
	dropped atomic.Int64
}

func NewPublisher(client *natsbus.Client, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Publisher{client: client, queue: make(chan Event, buffer)}
}

// Emit enqueues without blocking. A full queue drops the event.
func (p *Publisher) Emit(e Event) {
	select {
	case p.queue <- e:
	default:
		p.dropped.Add(1)
		slog.Warn("event queue full, dropping event", "event", e.Type, "entity", e.EntityID)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run publishes until ctx is cancelled, then drains what is already queued.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case e := <-p.queue:
			p.publish(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-p.queue:
					p.publish(e)
				default:
					p.client.Flush()
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(e Event) {
	if err := p.client.PublishJSON(e.Subject(), e); err != nil {
		slog.Error("publish event failed", "event", e.Type, "entity", e.EntityID, "error", err)
	}
}

// Subscribe decodes events arriving on subject and hands them to fn.
func Subscribe(client *natsbus.Client, subject string, fn func(Event)) (*nats.Subscription, error) {
	return client.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			slog.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
			return
		}
		fn(e)
	})
}

// Recorder is an in-memory Sink. It keeps every event and optionally fans
// them out to a channel.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify returns a channel that receives every event emitted from now on.
// Events are dropped when the channel is full.
func (r *Recorder) Notify(buffer int) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = make(chan Event, buffer)
	return r.notify
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.notify != nil {
		select {
		case r.notify <- e:
		default:
		}
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of one type, in order.
func (r *Recorder) Of(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Fanout emits to several sinks in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		s.Emit(e)
	}
}
