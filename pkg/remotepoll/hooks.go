package remotepoll

import "strings"

// StateHooks implements Hooks from fixed state vocabularies. Matching is
// case-insensitive. A state that is in none of the lists is not waiting and
// yields an UnhandledStateError.
type StateHooks struct {
	Waiting  []string
	Complete []string
	Canceled []string
	Failed   []string
	// LogHint tells operators where the remote tool keeps its logs.
	LogHint string
}

func (h StateHooks) IsStillWaiting(state string) bool {
	return matchState(h.Waiting, state)
}

func (h StateHooks) OnTerminalState(state string) error {
	switch {
	case matchState(h.Complete, state):
		return nil
	case matchState(h.Canceled, state):
		return &CanceledByUserError{State: state}
	case matchState(h.Failed, state):
		return &ExecutionFailedError{State: state, LogHint: h.LogHint}
	default:
		return &UnhandledStateError{State: state}
	}
}

// Known reports whether state is in any of the vocabularies.
func (h StateHooks) Known(state string) bool {
	return matchState(h.Waiting, state) ||
		matchState(h.Complete, state) ||
		matchState(h.Canceled, state) ||
		matchState(h.Failed, state)
}

func matchState(states []string, state string) bool {
	state = strings.TrimSpace(state)
	for _, s := range states {
		if strings.EqualFold(s, state) {
			return true
		}
	}
	return false
}
