package pdsjob

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a delegated job.
//
// NOTE: These values are persisted and returned by the status API; they are
// part of the stable wire contract.
type State string

const (
	StateCreated         State = "CREATED"
	StateQueued          State = "QUEUED"
	StateReadyToStart    State = "READY_TO_START"
	StateRunning         State = "RUNNING"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
	StateCancelRequested State = "CANCEL_REQUESTED"
	StateCanceled        State = "CANCELED"
)

// AllStates lists every state in its canonical order. Monitoring output and
// tests rely on this order being stable.
var AllStates = []State{
	StateCreated,
	StateQueued,
	StateReadyToStart,
	StateRunning,
	StateDone,
	StateFailed,
	StateCancelRequested,
	StateCanceled,
}

var transitions = map[State]map[State]bool{
	StateCreated: {
		StateQueued:          true,
		StateReadyToStart:    true,
		StateDone:            true,
		StateFailed:          true,
		StateCancelRequested: true,
	},
	StateQueued: {
		StateReadyToStart:    true,
		StateDone:            true,
		StateFailed:          true,
		StateCancelRequested: true,
	},
	StateReadyToStart: {
		StateRunning:         true,
		StateDone:            true,
		StateFailed:          true,
		StateCancelRequested: true,
	},
	StateRunning: {
		StateDone:            true,
		StateFailed:          true,
		StateCancelRequested: true,
		StateReadyToStart:    true,
	},
	StateDone: {
		StateDone:   true,
		StateFailed: true,
	},
	StateFailed: {
		StateDone:   true,
		StateFailed: true,
	},
	StateCancelRequested: {
		StateCanceled: true,
	},
	StateCanceled: {},
}

// IsTerminal reports whether no automated transition leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a job in state from may move to state to.
//
// RUNNING -> READY_TO_START exists only for the shutdown hand-back; DONE and
// FAILED may be rewritten by a later SafeFinish.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// NonTerminalStates returns all states a cancel request may be applied to.
func NonTerminalStates() []State {
	out := make([]State, 0, 4)
	for _, s := range AllStates {
		if !s.IsTerminal() && s != StateCancelRequested {
			out = append(out, s)
		}
	}
	return out
}

// Result is the execution outcome recorded when a job finishes.
type Result string

const (
	ResultOK     Result = "OK"
	ResultFailed Result = "FAILED"
)

// TrafficLight is the severity classification computed for a finished scan.
// The zero value means "not computed".
type TrafficLight string

const (
	TrafficLightRed    TrafficLight = "RED"
	TrafficLightYellow TrafficLight = "YELLOW"
	TrafficLightGreen  TrafficLight = "GREEN"
	TrafficLightOff    TrafficLight = "OFF"
)

// Job is the persistent record of a delegated job.
type Job struct {
	UUID          uuid.UUID    `json:"jobUUID"`
	ServerID      string       `json:"serverId"`
	Owner         string       `json:"owner"`
	State         State        `json:"state"`
	Created       time.Time    `json:"created"`
	Started       *time.Time   `json:"started,omitempty"`
	Ended         *time.Time   `json:"ended,omitempty"`
	Result        Result       `json:"result,omitempty"`
	TrafficLight  TrafficLight `json:"trafficLight,omitempty"`
	Configuration string       `json:"configuration,omitempty"`
	Messages      string       `json:"messages,omitempty"`
}

// Transition is a guarded state change. A Store must apply it atomically:
// the change happens only if the job's current state is one of From at the
// moment of the write.
type Transition struct {
	ID   uuid.UUID
	From []State
	To   State

	// SetStarted / SetEnded control whether the timestamps are written. A
	// nil value with the flag set clears the column.
	SetStarted bool
	Started    *time.Time
	SetEnded   bool
	Ended      *time.Time

	// SetOutcome writes Result and TrafficLight.
	SetOutcome   bool
	Result       Result
	TrafficLight TrafficLight
}

// Store persists job records. Implementations are shared between cluster
// members and must be safe for concurrent use.
type Store interface {
	// FindByID returns ErrNotFound (wrapped) if the job does not exist.
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
	Save(ctx context.Context, job *Job) error
	// ApplyTransition executes t in its own unit of work and reports whether
	// the guard matched.
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	CountByServerAndState(ctx context.Context, serverID string, state State) (int64, error)
	// FindByServerAndState returns jobs ordered by creation time, oldest first.
	// limit <= 0 means no limit.
	FindByServerAndState(ctx context.Context, serverID string, state State, limit int) ([]Job, error)
	// DeleteOlderThan removes terminal jobs that ended before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
