package scheduler

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/cronicorn/cronicorn/store"
)

const (
	// DefaultZombieAge is how long a run may sit in the running state before
	// the sweeper declares its worker dead. Comfortably above the largest
	// allowed max execution time.
	DefaultZombieAge = 45 * time.Minute
	// DefaultSweepInterval is the pause between sweeps.
	DefaultSweepInterval = time.Minute
)

const zombieMessage = "worker died before finalizing run"

// Sweeper finalises runs left in the running state by crashed workers so the
// runs log converges to terminal states.
type Sweeper struct {
	runs     store.Runs
	age      time.Duration
	interval time.Duration
}

// SweeperOptions configures a Sweeper. Zero durations use the defaults.
type SweeperOptions struct {
	Runs     store.Runs
	Age      time.Duration
	Interval time.Duration
}

// NewSweeper builds a Sweeper.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Runs == nil {
		return nil, errors.New("run store is required")
	}
	s := &Sweeper{runs: opts.Runs, age: opts.Age, interval: opts.Interval}
	if s.age <= 0 {
		s.age = DefaultZombieAge
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	return s, nil
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf(ctx, err, "sweep zombie runs")
		} else if n > 0 {
			log.Infof(ctx, "swept %d zombie runs", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass and returns how many runs were finalised.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.runs.SweepZombies(ctx, s.age, zombieMessage)
}
