// Package nats runs an in-process NATS server so a single node, or a test,
// can use the NATS event bus without external infrastructure.
package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an embedded NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	clientOpts   []nats.Option
	shutdownOnce sync.Once
}

type serverConfig struct {
	host         string
	port         int
	name         string
	debug        bool
	readyTimeout time.Duration
	logger       *slog.Logger
	token        string
	user         string
	password     string
}

// Option configures the embedded server.
type Option func(*serverConfig)

// WithHost sets the listen address. Defaults to 127.0.0.1.
func WithHost(host string) Option {
	return func(c *serverConfig) {
		c.host = host
	}
}

// WithPort sets the client port. The default -1 picks a random free port.
func WithPort(port int) Option {
	return func(c *serverConfig) {
		c.port = port
	}
}

// WithServerName sets the server name reported to clients.
func WithServerName(name string) Option {
	return func(c *serverConfig) {
		c.name = name
	}
}

// WithDebug turns on the server's own debug logging on stderr.
func WithDebug(enabled bool) Option {
	return func(c *serverConfig) {
		c.debug = enabled
	}
}

// WithReadyTimeout bounds how long StartEmbeddedServer waits for the server
// to accept connections. Defaults to 5 seconds.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *serverConfig) {
		c.readyTimeout = d
	}
}

// WithAuthToken requires clients to present token.
func WithAuthToken(token string) Option {
	return func(c *serverConfig) {
		c.token = token
	}
}

// WithUserPassword requires clients to log in as user.
func WithUserPassword(user, password string) Option {
	return func(c *serverConfig) {
		c.user = user
		c.password = password
	}
}

// WithLogger sets the logger for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// StartEmbeddedServer starts an embedded NATS server and waits until it is
// ready for connections.
func StartEmbeddedServer(opts ...Option) (*EmbeddedServer, error) {
	config := serverConfig{
		host:         "127.0.0.1",
		port:         -1,
		readyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	serverOpts := &server.Options{
		Host:       config.host,
		Port:       config.port,
		ServerName: config.name,
		Debug:      config.debug,
		NoLog:      !config.debug,
		NoSigs:     true,

		Authorization: config.token,
		Username:      config.user,
		Password:      config.password,
	}

	s, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}
	if config.debug {
		s.ConfigureLogger()
	}

	go s.Start()

	if !s.ReadyForConnections(config.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("server not ready after %s", config.readyTimeout)
	}

	url := s.ClientURL()
	config.logger.Debug("embedded NATS server ready", "url", url)

	var clientOpts []nats.Option
	if config.token != "" {
		clientOpts = append(clientOpts, nats.Token(config.token))
	}
	if config.user != "" {
		clientOpts = append(clientOpts, nats.UserInfo(config.user, config.password))
	}

	return &EmbeddedServer{
		server:     s,
		url:        url,
		logger:     config.logger,
		clientOpts: clientOpts,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server, waiting at most 5 seconds.
// Safe to call multiple times - only the first call will perform shutdown.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		shutdownDone := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
		case <-time.After(5 * time.Second):
			logger := e.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("NATS server shutdown timed out", "url", e.url, "timeout", "5s")
		}
	})
}

// ConnectToEmbedded connects a client to srv using the server's own
// credentials, if any.
func ConnectToEmbedded(srv *EmbeddedServer, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(srv.URL(), append(append([]nats.Option(nil), srv.clientOpts...), opts...)...)
}
