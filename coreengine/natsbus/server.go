// Package natsbus carries kernel records over NATS.
//
// handoffd either embeds a nats-server or connects to an external one. Every
// record is published on handoff.events.<entity>; alerts are also published
// on handoff.alerts, the subject supervisors listen on.
package natsbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
)

// Server is an embedded NATS broker.
type Server struct {
	server *natsserver.Server
}

// NewServer starts an embedded broker. JetStream is enabled when
// cfg.DataDir is set. A negative port picks a random free port.
func NewServer(cfg config.NATSConfig) (*Server, error) {
	opts := &natsserver.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
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
	return &Server{server: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

// Close shuts the broker down and waits for it to stop.
func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
