// Command evstore-node hosts one event store node: a sqlite event log and
// snapshot cache, a NATS event bus (remote or embedded) and the replay
// coordinator answering peers. Configuration comes from EVSTORE_*
// environment variables.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/plaenen/evstore/pkg/config"
	infranats "github.com/plaenen/evstore/pkg/infrastructure/nats"
	"github.com/plaenen/evstore/pkg/observability"
	"github.com/plaenen/evstore/pkg/runner"
	"github.com/plaenen/evstore/pkg/runtime/embeddednats"
	"github.com/plaenen/evstore/pkg/runtime/node"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("evstore-node failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	telemetry, err := observability.Init(ctx, observability.Config{
		ServiceName: "evstore-node",
		NodeID:      cfg.NodeID,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	var services []runner.Service
	nodeOpts := []node.Option{
		node.WithLogger(logger),
		node.WithTracer(telemetry.Tracer(observability.InstrumentationName)),
		node.WithMetrics(telemetry.Metrics),
	}
	if cfg.NATS.Embedded {
		var serverOpts []infranats.Option
		if cfg.NATS.Token != "" {
			serverOpts = append(serverOpts, infranats.WithAuthToken(cfg.NATS.Token))
		} else if cfg.NATS.User != "" {
			serverOpts = append(serverOpts, infranats.WithUserPassword(cfg.NATS.User, cfg.NATS.Password))
		}
		nats := embeddednats.New(
			embeddednats.WithLogger(logger),
			embeddednats.WithTracer(telemetry.Tracer(observability.InstrumentationName)),
			embeddednats.WithNATSOptions(serverOpts...),
		)
		services = append(services, nats)
		nodeOpts = append(nodeOpts, node.WithEmbeddedNATS(nats))
	}
	services = append(services, node.New(cfg, nodeOpts...))

	r := runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	return r.Run(ctx)
}
