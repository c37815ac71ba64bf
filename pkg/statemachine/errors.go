package statemachine

import "github.com/pkg/errors"

// StateError is spec.md §7's taxonomy entry: receiving a state-inapplicable
// message is surfaced to the caller as messageInInvalidState.
type StateError struct {
	Phase   Phase
	Message string
}

func (e *StateError) Error() string {
	return "statemachine: " + e.Message + " (phase=" + e.Phase.String() + ")"
}

// ErrFatalInvariant is spec.md §7's fatal MembershipViewError case: applying
// a proposal whose UP endpoint's joiner id was never observed. Per
// DESIGN.md's Open Question decision, this terminates the current
// operation rather than being silently permissive.
var ErrFatalInvariant = errors.New("statemachine: invariant violated applying view change")

// ErrJoinFailed is returned by the join retry helper in pkg/rapid once
// joinAttempts is exhausted.
var ErrJoinFailed = errors.New("statemachine: join attempts exhausted")
