package pdsexec

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

const DefaultTriggerInterval = 5 * time.Second

// Trigger claims READY_TO_START jobs of this server id while the executor
// has room.
type Trigger struct {
	exec      *Executor
	lifecycle *pdsjob.Lifecycle
	interval  time.Duration
	logger    *zap.Logger
}

func NewTrigger(exec *Executor, lifecycle *pdsjob.Lifecycle, interval time.Duration, logger *zap.Logger) *Trigger {
	if interval <= 0 {
		interval = DefaultTriggerInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{exec: exec, lifecycle: lifecycle, interval: interval, logger: logger}
}

// RunOnce claims and starts as many jobs as the executor accepts. It returns
// the number of started jobs.
func (t *Trigger) RunOnce(ctx context.Context) (int, error) {
	started := 0
	for budget := t.exec.Capacity(); budget > 0; budget-- {
		job, err := t.lifecycle.NextReadyToStart(ctx)
		if err != nil {
			return started, err
		}
		if job == nil {
			return started, nil
		}

		claimed, err := t.lifecycle.Claim(ctx, job.UUID)
		if err != nil {
			// Another node claimed it first.
			if pdsjob.IsInvalidState(err) || pdsjob.IsNotFound(err) {
				continue
			}
			return started, err
		}

		if err := t.exec.Add(ctx, claimed.UUID); err != nil {
			t.logger.Warn("Claimed job could not be queued, handing back",
				zap.String("job_uuid", claimed.UUID.String()), zap.Error(err))
			_, resetErr := t.lifecycle.ForceStateReset(ctx, []uuid.UUID{claimed.UUID}, pdsjob.StateReadyToStart)
			if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrShuttingDown) {
				return started, resetErr
			}
			if resetErr != nil {
				return started, resetErr
			}
			continue
		}
		started++
	}
	return started, nil
}

// Run triggers every interval until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := t.RunOnce(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("Job trigger failed", zap.Error(err))
			}
		}
	}
}
