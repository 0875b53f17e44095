// Package develop contains the state orchestrator that drives a live
// development session.
//
// Architecture notes:
//   - One goroutine owns the session context and drains an ordered event
//     queue; actions are synchronous, so context mutations need no locking.
//   - Each state binds exactly one asynchronous service. Services run as
//     independent goroutines and report back through a single completion
//     event scoped by a monotonically increasing invocation id; completions
//     for superseded invocations are discarded.
//   - The state set is closed and transitions are validated against an
//     explicit table; next states are never inferred from completion names.
//   - Failures stall the current state rather than guessing a recovery
//     transition. Recovery is an operator concern (restart the session).
//   - After every transition a crash-recovery snapshot is persisted, and the
//     session journal span is finalized on shutdown.
package develop
