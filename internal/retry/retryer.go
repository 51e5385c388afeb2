// Package retry runs remote operations repeatedly until they succeed or
// fail with a permanent error.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cenkalti/backoff"

	"github.com/simplesurance/forwardporter/internal/fperr"
	"github.com/simplesurance/forwardporter/internal/logfields"
)

const (
	// operations that keep failing for a day are given up, the next
	// triggering event starts over
	defMaxRetryTimeout        = 24 * time.Hour
	defBackoffInitialInterval = 5 * time.Second
)

func logFieldResult(val string) zap.Field {
	return zap.String("retry.result", val)
}

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	maxRetryTimeout            time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		maxRetryTimeout:            defMaxRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that
// does not wrap fperr.RetryableError or the execution was aborted via the
// context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	startTime := time.Now()
	endTime := startTime.Add(r.maxRetryTimeout)

	retryTimeout := time.NewTimer(r.maxRetryTimeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("retry_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err != nil {
				var retryError *fperr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Info(
						"operation cancelled",
						logfields.Event("retry_cancelled"),
						logFieldResult("cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					logger = logger.With(
						zap.Duration("age", bo.GetElapsedTime()),
						zap.Duration("retry_timeout", r.maxRetryTimeout),
					)

					if retryError.After.After(endTime) {
						logger.Error(
							"operation failed, next possible retry time is after timeout expiration",
							logfields.Event("retry_giving_up"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					var retryIn time.Duration

					if retryError.After.IsZero() {
						retryIn = bo.NextBackOff()
					} else {
						retryIn = time.Until(retryError.After)
					}

					retryTimer.Reset(retryIn)
					logger.Warn(
						"operation failed, retry scheduled",
						logfields.Event("retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Error(
					"operation failed, not retryable",
					logfields.Event("retry_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			return nil

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying operation, retry timeout expired",
				logfields.Event("retry_timeout"),
				logFieldResult("cancelled"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Info(
				"terminating, operation not executed",
				logfields.Event("retry_cancelled_shutdown"),
				logFieldResult("cancelled"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
