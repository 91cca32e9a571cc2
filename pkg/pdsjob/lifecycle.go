package pdsjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle owns every state change of the jobs belonging to one server id.
// All mutations go through it so the state invariants are enforced in one
// place.
type Lifecycle struct {
	store    Store
	serverID string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the logger used for expected races and skipped updates.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLifecycle(store Store, serverID string, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:    store,
		serverID: strings.TrimSpace(serverID),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lifecycle) ServerID() string {
	return l.serverID
}

// Create persists a new job in state CREATED for this server id.
func (l *Lifecycle) Create(ctx context.Context, owner string, configuration string) (*Job, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if l.serverID == "" {
		return nil, fmt.Errorf("server id is required")
	}

	job := &Job{
		UUID:          uuid.New(),
		ServerID:      l.serverID,
		Owner:         owner,
		State:         StateCreated,
		Created:       l.now(),
		Configuration: configuration,
	}
	if err := l.store.Save(ctx, job); err != nil {
		return nil, persistenceErr("create job", err)
	}
	l.logger.Debug("Job created", zap.String("job_uuid", job.UUID.String()), zap.String("owner", owner))
	return job, nil
}

// Get returns the job or a *NotFoundError.
func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return l.find(ctx, "get job", id)
}

// Enqueue moves a job from CREATED to QUEUED.
func (l *Lifecycle) Enqueue(ctx context.Context, id uuid.UUID) error {
	return l.transition(ctx, "enqueue", Transition{
		ID:   id,
		From: []State{StateCreated},
		To:   StateQueued,
	})
}

// MarkReadyToStart makes a job claimable by a worker.
func (l *Lifecycle) MarkReadyToStart(ctx context.Context, id uuid.UUID) error {
	return l.transition(ctx, "mark ready to start", Transition{
		ID:   id,
		From: []State{StateCreated, StateQueued},
		To:   StateReadyToStart,
	})
}

// Claim transitions READY_TO_START -> RUNNING and returns the updated job.
func (l *Lifecycle) Claim(ctx context.Context, id uuid.UUID) (*Job, error) {
	now := l.now()
	err := l.transition(ctx, "claim", Transition{
		ID:         id,
		From:       []State{StateReadyToStart},
		To:         StateRunning,
		SetStarted: true,
		Started:    &now,
	})
	if err != nil {
		return nil, err
	}
	return l.find(ctx, "claim", id)
}

// SafeFinish records the terminal outcome of a job.
//
// It never fails for a missing job or for a job whose cancellation was
// requested: both are expected races. The write is detached from the
// caller's context so a canceled or rolled back caller cannot prevent the
// terminal state from being recorded. Store failures are returned as
// *PersistenceError and not retried.
func (l *Lifecycle) SafeFinish(ctx context.Context, id uuid.UUID, result Result, trafficLight TrafficLight) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	log := l.logger.With(zap.String("job_uuid", id.String()))

	job, err := l.store.FindByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			log.Warn("Job not found, cannot finish (deleted concurrently?)")
			return nil
		}
		return persistenceErr("safe finish: find job", err)
	}
	if job.State == StateCancelRequested || job.State == StateCanceled {
		log.Info("Job cancellation requested, finish outcome ignored",
			zap.String("state", string(job.State)), zap.String("result", string(result)))
		return nil
	}

	target := StateFailed
	if result == ResultOK {
		target = StateDone
	} else {
		result = ResultFailed
	}

	now := l.now()
	applied, err := l.store.ApplyTransition(ctx, Transition{
		ID:           id,
		From:         finishableStates(),
		To:           target,
		SetEnded:     true,
		Ended:        &now,
		SetOutcome:   true,
		Result:       result,
		TrafficLight: trafficLight,
	})
	if err != nil {
		return persistenceErr("safe finish: update job", err)
	}
	if !applied {
		// Lost the race against a cancel request or a delete.
		current, ferr := l.store.FindByID(ctx, id)
		switch {
		case ferr != nil && IsNotFound(ferr):
			log.Warn("Job deleted while finishing")
		case ferr != nil:
			log.Warn("Job changed while finishing", zap.Error(ferr))
		default:
			log.Info("Job changed while finishing, outcome ignored", zap.String("state", string(current.State)))
		}
		return nil
	}

	log.Debug("Job finished", zap.String("state", string(target)), zap.String("traffic_light", string(trafficLight)))
	return nil
}

// RequestCancel flags a non-terminal job as CANCEL_REQUESTED. Calling it on a
// job already flagged is a no-op.
func (l *Lifecycle) RequestCancel(ctx context.Context, id uuid.UUID) error {
	job, err := l.find(ctx, "request cancel", id)
	if err != nil {
		return err
	}
	if job.State == StateCancelRequested {
		return nil
	}
	if job.State.IsTerminal() {
		return &InvalidStateError{ID: id, Op: "request cancel", Current: job.State}
	}

	applied, err := l.store.ApplyTransition(ctx, Transition{
		ID:   id,
		From: NonTerminalStates(),
		To:   StateCancelRequested,
	})
	if err != nil {
		return persistenceErr("request cancel", err)
	}
	if applied {
		l.logger.Info("Job cancel requested", zap.String("job_uuid", id.String()))
		return nil
	}

	job, err = l.find(ctx, "request cancel", id)
	if err != nil {
		return err
	}
	if job.State == StateCancelRequested {
		return nil
	}
	return &InvalidStateError{ID: id, Op: "request cancel", Current: job.State}
}

// MarkCanceled completes a cancellation: CANCEL_REQUESTED -> CANCELED.
func (l *Lifecycle) MarkCanceled(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	now := l.now()
	err := l.transition(ctx, "mark canceled", Transition{
		ID:       id,
		From:     []State{StateCancelRequested},
		To:       StateCanceled,
		SetEnded: true,
		Ended:    &now,
	})
	var ise *InvalidStateError
	if errors.As(err, &ise) && ise.Current == StateCanceled {
		return nil
	}
	return err
}

// ForceStateReset hands jobs back, typically RUNNING jobs to READY_TO_START
// when a node shuts down. Jobs with a pending cancel request or in a terminal
// state are left alone. It returns the number of jobs reset.
func (l *Lifecycle) ForceStateReset(ctx context.Context, ids []uuid.UUID, state State) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	if state.IsTerminal() || state == StateCancelRequested || !state.IsValid() {
		return 0, fmt.Errorf("force state reset: target state %q not allowed", state)
	}

	reset := 0
	var errs []error
	for _, id := range ids {
		applied, err := l.store.ApplyTransition(ctx, Transition{
			ID:         id,
			From:       NonTerminalStates(),
			To:         state,
			SetStarted: true,
			SetEnded:   true,
		})
		if err != nil {
			errs = append(errs, persistenceErr("force state reset", err))
			continue
		}
		if applied {
			reset++
		}
	}
	if reset > 0 {
		l.logger.Info("Jobs state reset", zap.Int("count", reset), zap.String("state", string(state)))
	}
	return reset, errors.Join(errs...)
}

// NextReadyToStart returns the oldest claimable job of this server id, or nil.
func (l *Lifecycle) NextReadyToStart(ctx context.Context) (*Job, error) {
	jobs, err := l.store.FindByServerAndState(ctx, l.serverID, StateReadyToStart, 1)
	if err != nil {
		return nil, persistenceErr("find next ready to start", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// FindInState lists this server's jobs in the given state, oldest first.
func (l *Lifecycle) FindInState(ctx context.Context, state State) ([]Job, error) {
	jobs, err := l.store.FindByServerAndState(ctx, l.serverID, state, 0)
	if err != nil {
		return nil, persistenceErr("find jobs in state", err)
	}
	return jobs, nil
}

func (l *Lifecycle) find(ctx context.Context, op string, id uuid.UUID) (*Job, error) {
	job, err := l.store.FindByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, persistenceErr(op, err)
	}
	return job, nil
}

func (l *Lifecycle) transition(ctx context.Context, op string, t Transition) error {
	applied, err := l.store.ApplyTransition(ctx, t)
	if err != nil {
		return persistenceErr(op, err)
	}
	if applied {
		return nil
	}
	job, err := l.find(ctx, op, t.ID)
	if err != nil {
		return err
	}
	return &InvalidStateError{ID: t.ID, Op: op, Current: job.State, Expected: t.From}
}

func finishableStates() []State {
	out := make([]State, 0, len(AllStates))
	for _, s := range AllStates {
		if s == StateCancelRequested || s == StateCanceled {
			continue
		}
		out = append(out, s)
	}
	return out
}
