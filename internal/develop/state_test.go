package develop

import (
	"errors"
	"testing"
)

func TestValidateState(t *testing.T) {
	for _, state := range AllStates() {
		if err := ValidateState(state); err != nil {
			t.Fatalf("%s should be valid: %v", state, err)
		}
	}
	if err := ValidateState(State("rebooting")); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestValidateTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateInitializing, StateInitializingData},
		{StateInitializingData, StateRunningQueries},
		{StateRunningQueries, StateStartingBundler},
		{StateRunningQueries, StateRecompiling},
		{StateRunningQueries, StateWaiting},
		{StateStartingBundler, StateWaiting},
		{StateRecompiling, StateWaiting},
		{StateWaiting, StateRecreatingPages},
		{StateWaiting, StateRunningQueries},
		{StateRecreatingPages, StateWaiting},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to State }{
		{StateInitializing, StateWaiting},
		{StateInitializing, StateRunningQueries},
		{StateInitializingData, StateWaiting},
		{StateStartingBundler, StateRunningQueries},
		{StateRecompiling, StateRunningQueries},
		{StateWaiting, StateStartingBundler},
		{StateRecreatingPages, StateRunningQueries},
		{StateWaiting, StateWaiting},
	}
	for _, tc := range denied {
		if err := ValidateTransition(tc.from, tc.to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s should be denied, got %v", tc.from, tc.to, err)
		}
	}
}
