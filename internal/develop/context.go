package develop

import (
	"encoding/json"
	"time"

	"github.com/strataforge/strata/internal/pool"
	"github.com/strataforge/strata/internal/store"
)

// DataStore is the slice of the node store the orchestrator touches directly:
// forwarding mutations. Everything else the store offers belongs to services.
type DataStore interface {
	ApplyMutation(store.Mutation) error
}

// Compiler is the opaque bundler handle owned by the session context. The
// orchestrator only tracks presence and passes it back for rebuilds; it never
// calls into the bundler itself.
type Compiler interface {
	Generation() int
}

// WebhookBody is the payload delivered with a WEBHOOK_RECEIVED event.
type WebhookBody struct {
	ID       string          `json:"id"`
	Received time.Time       `json:"received"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionContext is the orchestrator's single mutable state record. It is
// created once at session start, written only by the orchestrator goroutine,
// and lives until the session is stopped.
type SessionContext struct {
	// Store and WorkerPool are captured once at the end of bootstrap and are
	// read-only thereafter; collaborators receive them by reference.
	Store      DataStore
	WorkerPool *pool.Pool

	// Compiler is absent until the first bundling start and is never un-set
	// once assigned.
	Compiler Compiler

	// SourceFilesDirty latches true when a source file change is observed and
	// resets only when a bundle completes.
	SourceFilesDirty bool

	// NodesMutatedDuringQueryRun latches true when a mutation lands while
	// query results could be invalidated; it is consumed on entry to the next
	// query run.
	NodesMutatedDuringQueryRun bool

	// NodeMutationBatch holds mutations received while queries execute. It is
	// non-empty only while the session is running queries and flushes in
	// arrival order on the way out of that state.
	NodeMutationBatch []store.Mutation

	// WebhookBody is the most recent webhook payload. It is overwritten, not
	// queued; see the reload handling in the orchestrator.
	WebhookBody *WebhookBody
}

// ContextView is a copy of the observable session context, produced by
// Inspect. Views are safe to retain; they alias nothing.
type ContextView struct {
	State                      State
	StoreCaptured              bool
	PoolCaptured               bool
	CompilerSet                bool
	SourceFilesDirty           bool
	NodesMutatedDuringQueryRun bool
	NodeMutationBatch          []store.Mutation
	WebhookBody                *WebhookBody
	ServiceInFlight            bool
	ReloadInFlight             bool
	LastError                  string
}

func (o *Orchestrator) view() ContextView {
	v := ContextView{
		State:                      o.state,
		StoreCaptured:              o.sess.Store != nil,
		PoolCaptured:               o.sess.WorkerPool != nil,
		CompilerSet:                o.sess.Compiler != nil,
		SourceFilesDirty:           o.sess.SourceFilesDirty,
		NodesMutatedDuringQueryRun: o.sess.NodesMutatedDuringQueryRun,
		ServiceInFlight:            o.active != nil,
		ReloadInFlight:             o.reloadInFlight,
	}
	if len(o.sess.NodeMutationBatch) > 0 {
		v.NodeMutationBatch = append([]store.Mutation(nil), o.sess.NodeMutationBatch...)
	}
	if o.sess.WebhookBody != nil {
		body := *o.sess.WebhookBody
		v.WebhookBody = &body
	}
	if o.lastError != nil {
		v.LastError = o.lastError.Error()
	}
	return v
}
