package pdsexec

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

const (
	DefaultCancelInterval    = 5 * time.Second
	DefaultOrphanCancelAfter = time.Hour
)

// CancelWatcherConfig configures a CancelWatcher.
type CancelWatcherConfig struct {
	Interval    time.Duration
	OrphanAfter time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// CancelWatcher turns CANCEL_REQUESTED jobs of this server id into stopped
// runs. A requested job that no node executes is an orphan: once it has been
// seen without a holder for longer than OrphanAfter it is marked CANCELED
// directly. Jobs that never started are orphans right away.
type CancelWatcher struct {
	exec        *Executor
	lifecycle   *pdsjob.Lifecycle
	interval    time.Duration
	orphanAfter time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	firstSeen map[uuid.UUID]time.Time
}

func NewCancelWatcher(exec *Executor, lifecycle *pdsjob.Lifecycle, cfg CancelWatcherConfig) *CancelWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCancelInterval
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = DefaultOrphanCancelAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &CancelWatcher{
		exec:        exec,
		lifecycle:   lifecycle,
		interval:    cfg.Interval,
		orphanAfter: cfg.OrphanAfter,
		logger:      cfg.Logger,
		now:         cfg.Now,
		firstSeen:   make(map[uuid.UUID]time.Time),
	}
}

// RunOnce handles all pending cancel requests and returns how many jobs were
// stopped or marked canceled.
func (w *CancelWatcher) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.lifecycle.FindInState(ctx, pdsjob.StateCancelRequested)
	if err != nil {
		return 0, err
	}

	now := w.now()
	pending := make(map[uuid.UUID]bool, len(jobs))
	handled := 0
	var errs []error

	for _, job := range jobs {
		pending[job.UUID] = true
		log := w.logger.With(zap.String("job_uuid", job.UUID.String()))

		switch w.exec.Cancel(job.UUID) {
		case CancelDone:
			log.Info("Running job canceled")
			handled++
			continue
		case CancelNotPossible:
			continue
		case CancelAlreadyDone:
			// The run ended; SafeFinish left the request in place.
		case CancelNotFound:
			if job.Started != nil && !w.orphaned(job.UUID, now) {
				continue
			}
			log.Info("Cancel requested for job without executor, marking canceled")
		}

		if err := w.lifecycle.MarkCanceled(ctx, job.UUID); err != nil {
			if pdsjob.IsNotFound(err) || pdsjob.IsInvalidState(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		handled++
	}

	w.mu.Lock()
	for id := range w.firstSeen {
		if !pending[id] {
			delete(w.firstSeen, id)
		}
	}
	w.mu.Unlock()

	return handled, errors.Join(errs...)
}

func (w *CancelWatcher) orphaned(id uuid.UUID, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen, ok := w.firstSeen[id]
	if !ok {
		w.firstSeen[id] = now
		return false
	}
	return now.Sub(seen) >= w.orphanAfter
}

// Run handles cancel requests every interval until ctx is done.
func (w *CancelWatcher) Run(ctx context.Context) error {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("Cancel handling failed", zap.Error(err))
			}
		}
	}
}
