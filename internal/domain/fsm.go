package domain

import "slices"

// Transition lists the states an action may start from and the state it leads to.
type Transition[S ~string] struct {
	From []S
	To   S
}

// TransitionTable maps an action to its allowed transition.
type TransitionTable[S ~string, A ~string] map[A]Transition[S]

// Next returns the target state for action, or an InvalidStateTransitionError
// when action is unknown or not allowed from current.
func (t TransitionTable[S, A]) Next(entity, id string, current S, action A) (S, error) {
	tr, ok := t[action]
	if !ok || !slices.Contains(tr.From, current) {
		return current, &InvalidStateTransitionError{
			Entity: entity,
			ID:     id,
			From:   string(current),
			Action: string(action),
		}
	}
	return tr.To, nil
}

// Allowed reports whether action may run from current.
func (t TransitionTable[S, A]) Allowed(current S, action A) bool {
	tr, ok := t[action]
	return ok && slices.Contains(tr.From, current)
}
