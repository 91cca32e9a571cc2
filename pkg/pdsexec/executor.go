// Package pdsexec runs claimed jobs on a bounded worker pool and reports the
// node-local queue to the heartbeat publisher.
package pdsexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

const (
	DefaultWorkerCount = 5
	DefaultQueueMax    = 50
)

var (
	// ErrQueueFull is returned by Add when queue_max jobs are held.
	ErrQueueFull = errors.New("execution queue is full")
	// ErrAlreadyQueued is returned by Add for a job that is already held.
	ErrAlreadyQueued = errors.New("job already in execution queue")
	// ErrShuttingDown is returned by Add after Shutdown started.
	ErrShuttingDown = errors.New("executor is shutting down")
)

// Outcome is what a runner reports for a finished job.
type Outcome struct {
	Result       pdsjob.Result
	TrafficLight pdsjob.TrafficLight
}

// Runner executes one job. It must return promptly once ctx is canceled.
type Runner interface {
	Run(ctx context.Context, job pdsjob.Job) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job pdsjob.Job) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, job pdsjob.Job) (Outcome, error) { return f(ctx, job) }

// CancelResult reports what Cancel did.
type CancelResult string

const (
	CancelDone        CancelResult = "JOB_FOUND_CANCEL_WAS_DONE"
	CancelAlreadyDone CancelResult = "JOB_FOUND_JOB_ALREADY_DONE"
	CancelNotPossible CancelResult = "JOB_FOUND_CANCEL_WAS_NOT_POSSIBLE"
	CancelNotFound    CancelResult = "JOB_NOT_FOUND"
)

// Config configures an Executor.
type Config struct {
	WorkerCount int
	QueueMax    int
	Logger      *zap.Logger
	Now         func() time.Time
}

type entry struct {
	id      uuid.UUID
	created time.Time
	state   pdsjob.State
	started *time.Time
	done    bool
	ctx     context.Context
	cancel  context.CancelFunc

	canceled atomic.Bool
}

// Executor holds at most QueueMax jobs and runs WorkerCount of them at a
// time. Each job gets its own goroutine and cancelable context.
type Executor struct {
	lifecycle *pdsjob.Lifecycle
	runner    Runner
	queueMax  int
	workers   int
	slots     chan struct{}
	logger    *zap.Logger
	now       func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	shutdown   atomic.Bool
	wg         sync.WaitGroup

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
}

func NewExecutor(lifecycle *pdsjob.Lifecycle, runner Runner, cfg Config) *Executor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = DefaultQueueMax
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Executor{
		lifecycle:  lifecycle,
		runner:     runner,
		queueMax:   cfg.QueueMax,
		workers:    cfg.WorkerCount,
		slots:      make(chan struct{}, cfg.WorkerCount),
		logger:     cfg.Logger,
		now:        cfg.Now,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		entries:    make(map[uuid.UUID]*entry),
	}
}

// QueueMax returns the maximum number of held jobs.
func (e *Executor) QueueMax() int {
	return e.queueMax
}

// Len returns the number of held jobs.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Capacity returns how many more jobs Add accepts.
func (e *Executor) Capacity() int {
	if e.shutdown.Load() {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueMax - len(e.entries)
}

// Contains reports whether the job is held by this executor.
func (e *Executor) Contains(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[id]
	return ok
}

// Add starts executing a job that was claimed by this node.
func (e *Executor) Add(ctx context.Context, id uuid.UUID) error {
	if e.shutdown.Load() {
		return ErrShuttingDown
	}
	job, err := e.lifecycle.Get(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.entries[id]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	if len(e.entries) >= e.queueMax {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d jobs held", ErrQueueFull, e.queueMax)
	}
	jobCtx, cancel := context.WithCancel(e.baseCtx)
	en := &entry{
		id:      id,
		created: job.Created,
		state:   job.State,
		started: job.Started,
		ctx:     jobCtx,
		cancel:  cancel,
	}
	e.entries[id] = en
	e.order = append(e.order, id)
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Debug("Job added to execution queue", zap.String("job_uuid", id.String()))
	go e.execute(en, *job)
	return nil
}

func (e *Executor) execute(en *entry, job pdsjob.Job) {
	defer e.wg.Done()
	defer e.remove(en.id)
	defer en.cancel()

	log := e.logger.With(zap.String("job_uuid", en.id.String()))

	select {
	case e.slots <- struct{}{}:
	case <-en.ctx.Done():
		e.finalize(log, en, Outcome{}, en.ctx.Err())
		return
	}
	defer func() { <-e.slots }()

	e.mu.Lock()
	if en.started == nil {
		now := e.now()
		en.started = &now
	}
	en.state = pdsjob.StateRunning
	e.mu.Unlock()

	outcome, err := e.runner.Run(en.ctx, job)
	e.finalize(log, en, outcome, err)
}

func (e *Executor) finalize(log *zap.Logger, en *entry, outcome Outcome, runErr error) {
	e.mu.Lock()
	en.done = true
	e.mu.Unlock()

	// Use a fresh context: the job context is already canceled on these paths.
	ctx := context.WithoutCancel(en.ctx)

	switch {
	case en.canceled.Load():
		if err := e.lifecycle.RequestCancel(ctx, en.id); err != nil && !pdsjob.IsInvalidState(err) {
			log.Warn("Cancel request for stopped job failed", zap.Error(err))
		}
		if err := e.lifecycle.MarkCanceled(ctx, en.id); err != nil {
			log.Warn("Marking job canceled failed", zap.Error(err))
			return
		}
		log.Info("Job canceled")
	case e.shutdown.Load() && isContextErr(runErr):
		log.Info("Job interrupted by shutdown, handing back")
	case runErr != nil:
		log.Warn("Job execution failed", zap.Error(runErr))
		if err := e.lifecycle.SafeFinish(ctx, en.id, pdsjob.ResultFailed, ""); err != nil {
			log.Error("Recording job failure failed", zap.Error(err))
		}
	default:
		result := outcome.Result
		if result == "" {
			result = pdsjob.ResultOK
		}
		if err := e.lifecycle.SafeFinish(ctx, en.id, result, outcome.TrafficLight); err != nil {
			log.Error("Recording job result failed", zap.Error(err))
			return
		}
		log.Info("Job finished", zap.String("result", string(result)), zap.String("traffic_light", string(outcome.TrafficLight)))
	}
}

func (e *Executor) remove(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, id)
	for i, candidate := range e.order {
		if candidate == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Cancel stops a held job. The job becomes CANCELED once its run returns.
func (e *Executor) Cancel(id uuid.UUID) CancelResult {
	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return CancelNotFound
	}
	done := en.done
	e.mu.Unlock()

	if done {
		return CancelAlreadyDone
	}
	if e.shutdown.Load() {
		return CancelNotPossible
	}
	if en.canceled.CompareAndSwap(false, true) {
		en.cancel()
	}
	return CancelDone
}

// ExecutionState returns the held jobs in the order they were added.
func (e *Executor) ExecutionState(ctx context.Context) cluster.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]cluster.ExecutionEntry, 0, len(e.order))
	for _, id := range e.order {
		en := e.entries[id]
		created := en.created
		entries = append(entries, cluster.ExecutionEntry{
			JobUUID:  en.id,
			Done:     en.done,
			Canceled: en.canceled.Load(),
			State:    en.state,
			Created:  &created,
			Started:  cloneTime(en.started),
		})
	}
	return cluster.ExecutionState{
		QueueMax:    e.queueMax,
		JobsInQueue: len(entries),
		Entries:     entries,
	}
}

// Shutdown stops all runs and hands jobs that did not finish back to
// READY_TO_START so another node can pick them up. It waits for the run
// goroutines until ctx is done.
func (e *Executor) Shutdown(ctx context.Context) error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	ids := make([]uuid.UUID, 0, len(e.order))
	ids = append(ids, e.order...)
	e.mu.Unlock()

	e.baseCancel()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	var waitErr error
	select {
	case <-waited:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}

	if len(ids) == 0 {
		return waitErr
	}
	n, err := e.lifecycle.ForceStateReset(ctx, ids, pdsjob.StateReadyToStart)
	e.logger.Info("Executor stopped", zap.Int("held_jobs", len(ids)), zap.Int("handed_back", n))
	return errors.Join(waitErr, err)
}

// isContextErr reports whether a run stopped because its context ended. A run
// that completed, even while shutdown was underway, keeps its outcome.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
