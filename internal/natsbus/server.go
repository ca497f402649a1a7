// Package natsbus embeds the NATS server that carries tool requests and
// lifecycle events. Tool handlers answer request/reply on ToolsSubject; the
// web layer and the ops notifier fan events out from events.>.
package natsbus

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/hivegate/hivegate/internal/config"
)

// maxPayload leaves room for large agent execution outputs in tool replies.
const maxPayload = 8 * 1024 * 1024

type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

// New starts an embedded server with JetStream persisted under
// <data_dir>/jetstream, so the data dir has a stable layout for backups.
func New(cfg config.NATSConfig) (*Bus, error) {
	storeDir := filepath.Join(cfg.DataDir, "jetstream")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create jetstream dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName: "hivegate",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   storeDir,
		MaxPayload: maxPayload,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Port() int {
	return b.cfg.Port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
