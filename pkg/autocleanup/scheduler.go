package autocleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is the period between cleanup passes.
	DefaultInterval = time.Hour
	// DefaultStaleness is how long a heartbeat is kept after its last update.
	DefaultStaleness = 10 * time.Minute
	// DefaultHistory is the number of pass results kept in memory.
	DefaultHistory = 20
)

// Deleter removes records older than the cutoff and returns the count.
// Both the job store and the heartbeat store satisfy it.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Inspector receives the result of every pass.
type Inspector interface {
	Inspect(Result)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(Result)

func (f InspectorFunc) Inspect(r Result) { f(r) }

// Result describes one cleanup pass. A pass that ran and removed nothing
// has both counts at zero and no errors.
type Result struct {
	Started            time.Time  `json:"started"`
	Config             Config     `json:"config"`
	JobCutoff          *time.Time `json:"jobCutoff,omitempty"`
	HeartbeatCutoff    time.Time  `json:"heartbeatCutoff"`
	JobsDeleted        int64      `json:"jobsDeleted"`
	HeartbeatsDeleted  int64      `json:"heartbeatsDeleted"`
	JobCleanupDisabled bool       `json:"jobCleanupDisabled"`
	JobError           string     `json:"jobError,omitempty"`
	HeartbeatError     string     `json:"heartbeatError,omitempty"`

	jobErr       error
	heartbeatErr error
}

// Err joins the per-category errors of the pass.
func (r Result) Err() error {
	return errors.Join(r.jobErr, r.heartbeatErr)
}

// JobErr returns the job deletion error, if any.
func (r Result) JobErr() error { return r.jobErr }

// HeartbeatErr returns the heartbeat deletion error, if any.
func (r Result) HeartbeatErr() error { return r.heartbeatErr }

// Options configures a Scheduler.
type Options struct {
	Config    Config
	Interval  time.Duration
	Staleness time.Duration
	History   int
	Store     ConfigStore
	Inspector Inspector
	Logger    *zap.Logger
	Now       func() time.Time
}

// Scheduler periodically removes expired jobs and stale heartbeats.
type Scheduler struct {
	jobs       Deleter
	heartbeats Deleter
	store      ConfigStore
	inspector  Inspector
	interval   time.Duration
	staleness  time.Duration
	historyMax int
	logger     *zap.Logger
	now        func() time.Time

	runMu sync.Mutex

	mu      sync.RWMutex
	cfg     Config
	history []Result
}

func NewScheduler(jobs Deleter, heartbeats Deleter, opts Options) (*Scheduler, error) {
	cfg := opts.Config
	if cfg.Unit == "" {
		cfg.Unit = UnitDay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		jobs:       jobs,
		heartbeats: heartbeats,
		store:      opts.Store,
		inspector:  opts.Inspector,
		interval:   opts.Interval,
		staleness:  opts.Staleness,
		historyMax: opts.History,
		logger:     opts.Logger,
		now:        opts.Now,
		cfg:        cfg,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.staleness <= 0 {
		s.staleness = DefaultStaleness
	}
	if s.historyMax <= 0 {
		s.historyMax = DefaultHistory
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Config returns the active configuration.
func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// LoadConfig replaces the active configuration with the persisted one, if
// any. RunOnce calls it before every pass so a change saved by another node
// or the CLI takes effect without a restart.
func (s *Scheduler) LoadConfig(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadAutoCleanupConfig(ctx)
	if err != nil {
		return fmt.Errorf("load auto cleanup config: %w", err)
	}
	if stored == nil {
		return nil
	}
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("stored auto cleanup config: %w", err)
	}
	s.mu.Lock()
	s.cfg = *stored
	s.mu.Unlock()
	return nil
}

// UpdateConfig validates, persists and activates cfg. The next pass uses it.
func (s *Scheduler) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveAutoCleanupConfig(ctx, cfg); err != nil {
			return fmt.Errorf("save auto cleanup config: %w", err)
		}
	}

	s.mu.Lock()
	previous := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info("Auto cleanup configuration changed",
		zap.String("previous", previous.String()),
		zap.String("current", cfg.String()))
	return nil
}

// refreshConfig picks up the shared configuration. On failure the active
// value stays in effect.
func (s *Scheduler) refreshConfig(ctx context.Context) {
	previous := s.Config()
	if err := s.LoadConfig(ctx); err != nil {
		s.logger.Warn("Keeping current auto cleanup configuration",
			zap.String("current", previous.String()),
			zap.Error(err))
		return
	}
	if current := s.Config(); current != previous {
		s.logger.Info("Auto cleanup configuration reloaded",
			zap.String("previous", previous.String()),
			zap.String("current", current.String()))
	}
}

// LastResults returns the recorded passes, oldest first.
func (s *Scheduler) LastResults() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Result, len(s.history))
	copy(out, s.history)
	return out
}

// RunOnce performs one cleanup pass. Job and heartbeat deletion are
// attempted independently; a failure of one never skips the other.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.refreshConfig(ctx)

	now := s.now()
	cfg := s.Config()
	res := Result{
		Started:         now,
		Config:          cfg,
		HeartbeatCutoff: now.Add(-s.staleness),
	}

	if cfg.Disabled() {
		res.JobCleanupDisabled = true
	} else if cutoff, err := cfg.Cutoff(now); err != nil {
		res.jobErr = err
	} else {
		res.JobCutoff = &cutoff
		n, err := s.jobs.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			res.jobErr = fmt.Errorf("delete jobs: %w", err)
		} else {
			res.JobsDeleted = n
		}
	}

	n, err := s.heartbeats.DeleteOlderThan(ctx, res.HeartbeatCutoff)
	if err != nil {
		res.heartbeatErr = fmt.Errorf("delete heartbeats: %w", err)
	} else {
		res.HeartbeatsDeleted = n
	}

	if res.jobErr != nil {
		res.JobError = res.jobErr.Error()
		s.logger.Warn("Job cleanup failed", zap.Error(res.jobErr))
	}
	if res.heartbeatErr != nil {
		res.HeartbeatError = res.heartbeatErr.Error()
		s.logger.Warn("Heartbeat cleanup failed", zap.Error(res.heartbeatErr))
	}
	s.logger.Debug("Auto cleanup pass done",
		zap.Int64("jobs_deleted", res.JobsDeleted),
		zap.Int64("heartbeats_deleted", res.HeartbeatsDeleted),
		zap.Bool("job_cleanup_disabled", res.JobCleanupDisabled))

	s.record(res)
	return res
}

// Run executes a pass every interval until ctx is done. The first pass runs
// after one interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting auto cleanup",
		zap.Duration("interval", s.interval),
		zap.Duration("heartbeat_staleness", s.staleness),
		zap.String("retention", s.Config().String()))

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

// Start runs the scheduler in a goroutine and returns its stop function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		<-stopped
	}
}

func (s *Scheduler) record(res Result) {
	s.mu.Lock()
	s.history = append(s.history, res)
	if len(s.history) > s.historyMax {
		s.history = append([]Result(nil), s.history[len(s.history)-s.historyMax:]...)
	}
	s.mu.Unlock()

	if s.inspector != nil {
		s.inspector.Inspect(res)
	}
}
