// Package gateway defines the interface for network entry points.
package gateway

import "context"

// Gateway accepts requests from the outside world and hands them to the runner.
type Gateway interface {
	// Start serves until the context is canceled or the listener fails.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
