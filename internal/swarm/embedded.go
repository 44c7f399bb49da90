package swarm

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const defaultReadyTimeout = 10 * time.Second

var errEmbeddedNotReady = errors.New("swarm: embedded node did not become ready")

// EmbeddedConfig describes the in-process node started on standalone devices.
type EmbeddedConfig struct {
	Host         string
	Port         int
	StoreDir     string
	ReadyTimeout time.Duration
	Logger       *zap.Logger
}

// Embedded is an in-process NATS node with JetStream enabled.
type Embedded struct {
	server *server.Server
	logger *zap.Logger
}

// StartEmbedded boots a node and waits until it accepts clients. A zero
// port picks a free one.
func StartEmbedded(cfg EmbeddedConfig) (*Embedded, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}

	node, err := server.NewServer(&server.Options{
		ServerName: "peerchat-embedded",
		Host:       host,
		Port:       port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded node: %w", err)
	}
	go node.Start()
	if !node.ReadyForConnections(readyTimeout) {
		node.Shutdown()
		return nil, errEmbeddedNotReady
	}
	logger.Info("embedded swarm node started", zap.String("url", node.ClientURL()))
	return &Embedded{server: node, logger: logger}, nil
}

// ClientURL is the address clients dial.
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown stops the node and waits for it to exit.
func (e *Embedded) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.logger.Info("embedded swarm node stopped")
}
