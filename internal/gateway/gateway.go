// Package gateway defines the interface for long-running entry points
// that hand commands to the executor.
package gateway

import "context"

// Gateway is a network-facing entry point (the HTTP API today).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts down gracefully. ctx carries the drain deadline; commands
	// already running are allowed to finish or hit their own timeout.
	Stop(ctx context.Context) error
}
