package autocleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotAcceptable is returned for a configuration that cannot be applied.
var ErrNotAcceptable = errors.New("auto cleanup configuration not acceptable")

// Unit is the time unit of a retention amount.
type Unit string

const (
	UnitHour  Unit = "HOUR"
	UnitDay   Unit = "DAY"
	UnitWeek  Unit = "WEEK"
	UnitMonth Unit = "MONTH"
	UnitYear  Unit = "YEAR"
)

// Units lists the accepted units, smallest first.
var Units = []Unit{UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear}

// Duration returns the length of one unit. Months count as 30 days and
// years as 365 days.
func (u Unit) Duration() (time.Duration, bool) {
	switch u {
	case UnitHour:
		return time.Hour, true
	case UnitDay:
		return 24 * time.Hour, true
	case UnitWeek:
		return 7 * 24 * time.Hour, true
	case UnitMonth:
		return 30 * 24 * time.Hour, true
	case UnitYear:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ParseUnit accepts unit names case-insensitively.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := u.Duration(); !ok {
		return "", fmt.Errorf("%w: unknown unit %q", ErrNotAcceptable, s)
	}
	return u, nil
}

// Config is the job retention. Amount 0 disables job cleanup.
type Config struct {
	Amount int64 `json:"amount" yaml:"amount"`
	Unit   Unit  `json:"unit" yaml:"unit"`
}

// DefaultConfig keeps jobs forever.
func DefaultConfig() Config {
	return Config{Amount: 0, Unit: UnitDay}
}

// Disabled reports whether job cleanup is switched off.
func (c Config) Disabled() bool {
	return c.Amount == 0
}

// Validate rejects negative amounts and unknown units.
func (c Config) Validate() error {
	if c.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative, got %d", ErrNotAcceptable, c.Amount)
	}
	if _, ok := c.Unit.Duration(); !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrNotAcceptable, c.Unit)
	}
	return nil
}

// Retention converts the config into a duration. A disabled config yields 0.
func (c Config) Retention() (time.Duration, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	unit, _ := c.Unit.Duration()
	if c.Amount > int64((1<<63-1)/unit) {
		return 0, fmt.Errorf("%w: %d %s overflows", ErrNotAcceptable, c.Amount, c.Unit)
	}
	return time.Duration(c.Amount) * unit, nil
}

// Cutoff returns the instant before which jobs are removed.
func (c Config) Cutoff(now time.Time) (time.Time, error) {
	retention, err := c.Retention()
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-retention), nil
}

func (c Config) String() string {
	return fmt.Sprintf("%d %s", c.Amount, c.Unit)
}

// ConfigStore persists the auto cleanup configuration so it survives
// restarts and is shared between nodes. Load returns nil when nothing was
// stored yet.
type ConfigStore interface {
	LoadAutoCleanupConfig(ctx context.Context) (*Config, error)
	SaveAutoCleanupConfig(ctx context.Context, cfg Config) error
}
