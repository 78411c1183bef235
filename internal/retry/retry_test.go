package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	for k := 0; k < 5; k++ {
		k := k
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			t.Parallel()

			rec := &sleepRecorder{}
			calls := 0
			err := Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= k {
					return apperrors.NewTransientError("connect", errors.New("not ready"))
				}
				return nil
			}, WithMaxAttempts(k+1), WithDelay(time.Second), WithSleeper(rec.sleep))

			require.NoError(t, err)
			require.Equal(t, k+1, calls)
			require.Len(t, rec.delays, k)
			for _, d := range rec.delays {
				require.Equal(t, time.Second, d, "delay must be a fixed interval")
			}
		})
	}
}

func TestDoFatalStopsImmediately(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	calls := 0
	fatal := apperrors.NewFatalError("npm run build", errors.New("exit 1"), "compile failed")
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, WithMaxAttempts(5), WithSleeper(rec.sleep))

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
	require.Empty(t, rec.delays)
	require.False(t, IsExhausted(err))
}

func TestDoUnclassifiedErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("permission denied")
	}, WithSleeper((&sleepRecorder{}).sleep))

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	calls := 0
	last := apperrors.NewRecoverableError("connect", errors.New("connection refused"))
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return last
	}, WithMaxAttempts(3), WithDelay(3*time.Second), WithSleeper(rec.sleep), WithName("postgres connectivity"))

	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, rec.delays)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 3, ex.Attempts)
	require.True(t, apperrors.IsRecoverable(err), "exhaustion keeps the last classification")
	require.Contains(t, err.Error(), "postgres connectivity failed after 3 attempts")
}

func TestDoCustomClassifier(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("ETIMEDOUT")
		}
		return nil
	}, WithClassifier(func(err error) bool { return err.Error() == "ETIMEDOUT" }), WithSleeper((&sleepRecorder{}).sleep))

	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDoBackoffCapsDelay(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	_ = Do(context.Background(), func(context.Context) error {
		return apperrors.NewTransientError("x", nil)
	}, WithMaxAttempts(4), WithDelay(time.Second), WithBackoff(2, 3*time.Second), WithSleeper(rec.sleep))

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.delays)
}

func TestDoContextCancelledDuringSleep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return apperrors.NewTransientError("x", nil)
	}, WithDelay(time.Hour))

	require.ErrorIs(t, err, apperrors.ErrInterrupted)
	require.Equal(t, 1, calls)
}

func TestDoOnRetryCallback(t *testing.T) {
	t.Parallel()

	var seen []int
	_ = Do(context.Background(), func(context.Context) error {
		return apperrors.NewTransientError("x", nil)
	}, WithMaxAttempts(3), WithSleeper((&sleepRecorder{}).sleep), WithOnRetry(func(attempt int, _ error) {
		seen = append(seen, attempt)
	}))

	require.Equal(t, []int{1, 2}, seen)
}

func TestValueReturnsResult(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := Value(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", apperrors.NewTransientError("read", nil)
		}
		return "active", nil
	}, WithSleeper((&sleepRecorder{}).sleep))

	require.NoError(t, err)
	require.Equal(t, "active", v)
}
