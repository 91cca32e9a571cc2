// Package remotepoll drives an asynchronous remote job to a terminal state by
// polling its status. The remote vocabulary is supplied by the caller through
// Hooks, so the same loop serves every scan tool adapter.
package remotepoll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is used when Config.PollInterval is not set.
const DefaultPollInterval = 5 * time.Second

// ErrUnbounded is returned when neither a timeout nor an attempt limit is set.
var ErrUnbounded = errors.New("poller needs a timeout or a max attempt count")

// Fetcher returns the current remote state. Network failures are returned
// as errors and end the wait.
type Fetcher interface {
	FetchState(ctx context.Context) (string, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context) (string, error)

func (f FetchFunc) FetchState(ctx context.Context) (string, error) { return f(ctx) }

// Hooks classify remote states.
type Hooks interface {
	// IsStillWaiting reports whether polling should continue.
	IsStillWaiting(state string) bool
	// OnTerminalState returns nil for success or one of the typed errors.
	OnTerminalState(state string) error
}

// Config bounds a wait. At least one of Timeout and MaxAttempts must be set.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	MaxAttempts  int
}

// Stats describes a finished wait.
type Stats struct {
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
	LastState string        `json:"lastState"`
}

// Poller runs the wait loop.
type Poller struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(cfg Config, opts ...Option) (*Poller, error) {
	if cfg.Timeout < 0 || cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("poller bounds must not be negative")
	}
	if cfg.Timeout == 0 && cfg.MaxAttempts == 0 {
		return nil, ErrUnbounded
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	p := &Poller{
		cfg:    cfg,
		sleep:  sleepContext,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// WaitForOK polls until hooks report a terminal state or the bound is hit.
//
// Success is a nil error. Terminal failures come from hooks unchanged. Fetch
// errors end the wait immediately and are wrapped with the attempt number.
// A context canceled while sleeping returns ctx.Err().
func (p *Poller) WaitForOK(ctx context.Context, fetch Fetcher, hooks Hooks) (Stats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := p.now()
	var stats Stats

	for attempt := 1; ; attempt++ {
		state, err := fetch.FetchState(ctx)
		stats.Elapsed = p.now().Sub(start)
		if err != nil {
			return stats, fmt.Errorf("fetch remote state (attempt %d): %w", attempt, err)
		}
		stats.Attempts = attempt
		stats.LastState = state

		if !hooks.IsStillWaiting(state) {
			p.logger.Debug("Remote job left waiting states",
				zap.String("state", state),
				zap.Int("attempts", attempt))
			return stats, hooks.OnTerminalState(state)
		}

		if p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts {
			return stats, p.timeout(stats)
		}
		wait := p.cfg.PollInterval
		if p.cfg.Timeout > 0 {
			remaining := p.cfg.Timeout - stats.Elapsed
			if remaining <= 0 {
				return stats, p.timeout(stats)
			}
			if remaining < wait {
				wait = remaining
			}
		}

		if err := p.sleep(ctx, wait); err != nil {
			stats.Elapsed = p.now().Sub(start)
			return stats, err
		}
	}
}

func (p *Poller) timeout(stats Stats) error {
	return &TimeoutError{
		Attempts:    stats.Attempts,
		Elapsed:     stats.Elapsed,
		LastState:   stats.LastState,
		Timeout:     p.cfg.Timeout,
		MaxAttempts: p.cfg.MaxAttempts,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
