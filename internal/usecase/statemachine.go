package usecase

import (
	"fmt"
	"slices"

	"chatengine/internal/domain"
)

// transitions lists the states reachable from each state. Re-entering the
// current state is always allowed and is a no-op.
var transitions = map[domain.GenerationState][]domain.GenerationState{
	domain.StateIdle:       {domain.StateProcessing, domain.StateSuggesting},
	domain.StateProcessing: {domain.StateStreaming, domain.StateSuggesting, domain.StateIdle},
	domain.StateStreaming:  {domain.StateProcessing, domain.StateSuggesting, domain.StateIdle},
	domain.StateSuggesting: {domain.StateIdle},
}

// CanTransition reports whether a conversation may move from one state to another.
func CanTransition(from, to domain.GenerationState) bool {
	if from == to {
		_, known := transitions[from]
		return known
	}
	return slices.Contains(transitions[from], to)
}

// Transition validates a state change and returns the new state.
func Transition(from, to domain.GenerationState) (domain.GenerationState, error) {
	if !CanTransition(from, to) {
		return from, domain.NewDomainError("Transition", domain.ErrInvalidTransition,
			fmt.Sprintf("%s -> %s", from, to))
	}
	return to, nil
}
