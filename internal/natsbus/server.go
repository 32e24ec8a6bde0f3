package natsbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is the embedded NATS server every component publishes through.
type Bus struct {
	server *natsserver.Server
	url    string
}

// New starts an embedded server, or returns a handle to an external one when
// cfg.URL is set.
func New(cfg config.NATSConfig) (*Bus, error) {
	if cfg.URL != "" {
		slog.Info("using external nats", "url", cfg.URL)
		return &Bus{url: cfg.URL}, nil
	}

	opts := &natsserver.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{server: ns, url: ns.ClientURL()}, nil
}

func (b *Bus) ClientURL() string {
	return b.url
}

// Embedded reports whether this process runs the server.
func (b *Bus) Embedded() bool {
	return b.server != nil
}

func (b *Bus) Close() {
	if b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
