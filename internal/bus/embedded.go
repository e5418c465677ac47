package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/tts-streamer/internal/config"
)

// EmbeddedServer runs a NATS server inside the process so producers can
// publish without external infrastructure.
type EmbeddedServer struct {
	ns     *server.Server
	logger *zap.Logger
}

// StartEmbedded starts a server when cfg.Embedded is set and returns nil
// otherwise. A negative port picks a free one.
func StartEmbedded(cfg appconfig.BusConfig, logger *zap.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server failed to start within 5 seconds")
	}
	logger.Info("embedded nats server started", zap.String("url", ns.ClientURL()))

	return &EmbeddedServer{ns: ns, logger: logger}, nil
}

// ClientURL returns the address clients dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.logger.Info("shutting down embedded nats server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
