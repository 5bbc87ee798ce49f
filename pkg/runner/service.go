package runner

import "context"

// Service is a component with a start/stop lifecycle managed by a Runner.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start blocks until the service is ready. It must respect ctx.
	Start(ctx context.Context) error

	// Stop shuts the service down within ctx's deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
