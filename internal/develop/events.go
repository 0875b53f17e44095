package develop

import "github.com/strataforge/strata/internal/store"

// Event is an inbound notification the orchestrator consumes. The set of
// implementations is closed; external drivers construct the exported ones and
// hand them to Dispatch.
type Event interface {
	isEvent()
}

// AddNodeMutation carries one data change. Depending on the current state it
// is either forwarded to the store immediately or queued behind the in-flight
// query run.
type AddNodeMutation struct {
	Mutation store.Mutation
}

// SourceFileChanged reports that a bundleable source file changed. It latches
// the dirty flag and has no other effect.
type SourceFileChanged struct {
	Path string
}

// WebhookReceived carries the latest webhook payload. The payload overwrites
// any previous one; at most one data reload runs at a time.
type WebhookReceived struct {
	Body WebhookBody
}

// ExtractQueriesNow short-circuits the waiting state and forces a query
// re-run. It is ignored in every other state.
type ExtractQueriesNow struct{}

func (AddNodeMutation) isEvent()   {}
func (SourceFileChanged) isEvent() {}
func (WebhookReceived) isEvent()   {}
func (ExtractQueriesNow) isEvent() {}

// serviceResult is the single terminal completion of one service invocation.
// The invocation id scopes it to the state entry that started the service;
// stale results are discarded.
type serviceResult struct {
	invocation uint64
	state      State
	err        error

	// dirtySeq is the source-change counter observed when the invocation
	// started; bundle completions compare it to decide whether the dirty
	// latch may clear.
	dirtySeq uint64

	// boot is set by the initialize service.
	boot *BootResult
	// compiler is set by the bundler cold start.
	compiler Compiler
}

// reloadResult closes out a webhook-triggered data reload. Reloads run
// independently of the main state progression and are not invocation-scoped.
type reloadResult struct {
	err error
}

// inspectRequest is answered with a copy of the session context. It travels
// the ordered queue, so the reply reflects every event dispatched before it.
type inspectRequest struct {
	reply chan ContextView
}

func (serviceResult) isEvent()  {}
func (reloadResult) isEvent()   {}
func (inspectRequest) isEvent() {}
