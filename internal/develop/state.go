package develop

import (
	"errors"
	"fmt"
)

// ErrUnknownState is returned when a state is not part of the closed set.
var ErrUnknownState = errors.New("develop: unknown state")

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("develop: invalid transition")

// State identifies one phase of the develop session. The set is closed; the
// orchestrator only ever moves along transitions listed in the table below.
type State string

const (
	// StateInitializing bootstraps the environment and captures the store
	// and worker-pool references into the session context.
	StateInitializing State = "initializing"
	// StateInitializingData runs the first full data-sourcing pass.
	StateInitializingData State = "initializing-data"
	// StateRunningQueries executes all pending content queries. Mutations
	// arriving here are batched, not applied.
	StateRunningQueries State = "running-queries"
	// StateStartingBundler cold-starts the bundler and claims the compiler
	// handle for the rest of the session.
	StateStartingBundler State = "starting-bundler"
	// StateRecompiling rebuilds incrementally with the existing compiler.
	StateRecompiling State = "recompiling"
	// StateWaiting blocks on the next externally significant change. This is
	// the steady state of a develop session.
	StateWaiting State = "waiting"
	// StateRecreatingPages rebuilds the page-artifact graph after a wait
	// completes, then returns to waiting.
	StateRecreatingPages State = "recreating-pages"
)

// allowedTransitions is the explicit transition table. A transition not listed
// here is a bug in the orchestrator, not a runtime condition.
var allowedTransitions = map[State]map[State]struct{}{
	StateInitializing: {
		StateInitializingData: {},
	},
	StateInitializingData: {
		StateRunningQueries: {},
	},
	StateRunningQueries: {
		StateStartingBundler: {},
		StateRecompiling:     {},
		StateWaiting:         {},
	},
	StateStartingBundler: {
		StateWaiting: {},
	},
	StateRecompiling: {
		StateWaiting: {},
	},
	StateWaiting: {
		StateRecreatingPages: {},
		StateRunningQueries:  {},
	},
	StateRecreatingPages: {
		StateWaiting: {},
	},
}

// AllStates lists the closed state set in progression order.
func AllStates() []State {
	return []State{
		StateInitializing,
		StateInitializingData,
		StateRunningQueries,
		StateStartingBundler,
		StateRecompiling,
		StateWaiting,
		StateRecreatingPages,
	}
}

// ValidateState reports whether the state belongs to the closed set.
func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	return nil
}

// ValidateTransition reports whether from -> to is listed in the table.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
