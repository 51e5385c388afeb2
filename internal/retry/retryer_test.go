package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/forwardporter/internal/fperr"
)

func TestRetryAfterInThePast(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer()
	r.backoffInitialInterval = 100 * time.Millisecond
	t.Cleanup(r.Stop)

	ctx, cancelFunc := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFunc()

	var retryTimes []time.Time

	err := r.Run(ctx, func(context.Context) error {
		retryTimes = append(retryTimes, time.Now())
		return fperr.NewRetryableError(errors.New("err"), time.Now().Add(-time.Second))
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(retryTimes), 2)
}

func TestBackoffInterval(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer()
	r.backoffInitialInterval = 500 * time.Millisecond
	t.Cleanup(r.Stop)

	ctx, cancelFunc := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFunc()

	var retryTimes []time.Time

	err := r.Run(ctx, func(context.Context) error {
		retryTimes = append(retryTimes, time.Now())
		return fperr.NewRetryableAnytimeError(errors.New("err"))
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(retryTimes), 2)
	for i := 1; i < len(retryTimes); i++ {
		d := retryTimes[i].Sub(retryTimes[i-1])
		require.GreaterOrEqualf(t, int64(d), minInterval(r),
			"time between retry %d and %d is %s, expected >=%s",
			i-1, i, d, time.Duration(minInterval(r)),
		)
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer()
	t.Cleanup(r.Stop)

	var calls int
	wantErr := errors.New("permanent failure")

	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	}, nil)

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestStopTerminatesRun(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer()
	r.backoffInitialInterval = time.Hour

	errChan := make(chan error, 1)
	started := make(chan struct{})

	go func() {
		var first bool
		errChan <- r.Run(context.Background(), func(context.Context) error {
			if !first {
				first = true
				close(started)
			}
			return fperr.NewRetryableAnytimeError(errors.New("err"))
		}, nil)
	}()

	<-started
	r.Stop()

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate after Stop")
	}
}

func minInterval(retryer *Retryer) int64 {
	return int64(math.Floor(float64(retryer.backoffInitialInterval) * (1 - retryer.backoffRandomizationFactor)))
}
