package strategy

import (
	"context"
	"time"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/pkg/models"
)

// Kind names a poll strategy
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindExponential Kind = "exponential"
)

// maxConsecutiveErrors bounds how many retryable poll failures in a row are
// tolerated before Wait gives up
const maxConsecutiveErrors = 3

// PollStrategy decides how long to wait before the next progress check
type PollStrategy interface {
	NextDelay(attempt int) time.Duration
	GetStrategyName() string
}

// FixedPollStrategy polls at a constant interval
type FixedPollStrategy struct {
	interval time.Duration
}

// NewFixedPollStrategy creates a new fixed interval strategy
func NewFixedPollStrategy(interval time.Duration) PollStrategy {
	return &FixedPollStrategy{interval: interval}
}

func (s *FixedPollStrategy) NextDelay(int) time.Duration {
	return s.interval
}

func (s *FixedPollStrategy) GetStrategyName() string {
	return string(KindFixed)
}

// ExponentialPollStrategy doubles the interval after every check up to a cap
type ExponentialPollStrategy struct {
	initial time.Duration
	max     time.Duration
}

// NewExponentialPollStrategy creates a new backoff strategy
func NewExponentialPollStrategy(initial, max time.Duration) PollStrategy {
	if max < initial {
		max = initial
	}
	return &ExponentialPollStrategy{initial: initial, max: max}
}

func (s *ExponentialPollStrategy) NextDelay(attempt int) time.Duration {
	d := s.initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.max {
			return s.max
		}
	}
	return d
}

func (s *ExponentialPollStrategy) GetStrategyName() string {
	return string(KindExponential)
}

// ProgressFunc fetches the current progress of a batch
type ProgressFunc func(ctx context.Context) (*models.BatchProgress, error)

// PollContext runs a poll loop with the current strategy
type PollContext struct {
	strategy PollStrategy
}

// NewPollContext creates a new poll context
func NewPollContext(strategy PollStrategy) *PollContext {
	return &PollContext{strategy: strategy}
}

// SetStrategy changes the poll strategy
func (c *PollContext) SetStrategy(strategy PollStrategy) {
	c.strategy = strategy
}

// GetCurrentStrategy returns the current strategy name
func (c *PollContext) GetCurrentStrategy() string {
	return c.strategy.GetStrategyName()
}

// Wait polls until the batch reaches a terminal status, the context ends or a
// non-retryable error occurs. onProgress, when set, sees every snapshot.
func (c *PollContext) Wait(ctx context.Context, fetch ProgressFunc, onProgress func(*models.BatchProgress)) (*models.BatchProgress, error) {
	failures := 0
	for attempt := 0; ; attempt++ {
		progress, err := fetch(ctx)
		switch {
		case err == nil:
			failures = 0
			if onProgress != nil {
				onProgress(progress)
			}
			if progress.Status.IsTerminal() {
				return progress, nil
			}
		case ctx.Err() != nil:
			return nil, apperrors.NewTimeoutError("stopped waiting for batch", ctx.Err())
		default:
			appErr, ok := apperrors.As(err)
			if !ok || !appErr.Retryable() {
				return nil, err
			}
			failures++
			if failures >= maxConsecutiveErrors {
				return nil, err
			}
			logger.WithError(err).WithField("attempt", attempt).Warn("Batch progress check failed, retrying")
		}

		timer := time.NewTimer(c.strategy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperrors.NewTimeoutError("stopped waiting for batch", ctx.Err())
		case <-timer.C:
		}
	}
}
