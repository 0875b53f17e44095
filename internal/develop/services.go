package develop

import (
	"context"

	"github.com/strataforge/strata/internal/pool"
)

// BootResult is what the initialize service hands back: the shared references
// the orchestrator captures into the session context.
type BootResult struct {
	Store DataStore
	Pool  *pool.Pool
}

// Services is the asynchronous collaborator surface of the orchestrator. Each
// method backs exactly one state (ReloadData backs webhook reloads, which run
// outside the state progression). Implementations must honor context
// cancellation: entering the next state cancels the previous invocation.
type Services interface {
	// Initialize bootstraps the environment and plugins and returns the
	// store and worker-pool references for the session context.
	Initialize(ctx context.Context) (BootResult, error)

	// InitializeData performs the first full data-sourcing pass.
	InitializeData(ctx context.Context) error

	// RunQueries executes all pending content queries against current data.
	RunQueries(ctx context.Context) error

	// StartBundler cold-starts the dev bundler and returns the compiler
	// handle the session will own from then on.
	StartBundler(ctx context.Context) (Compiler, error)

	// Recompile rebuilds incrementally using the existing compiler handle.
	Recompile(ctx context.Context, compiler Compiler) error

	// WaitForMutations blocks until the next externally significant change:
	// a node mutation, a file change, or an explicit request.
	WaitForMutations(ctx context.Context) error

	// RecreatePages rebuilds the page-artifact graph from current data.
	RecreatePages(ctx context.Context) error

	// ReloadData re-runs data sourcing for a webhook payload.
	ReloadData(ctx context.Context, body WebhookBody) error
}

// Logger records orchestrator diagnostics. It matches logging.Logger's
// signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
