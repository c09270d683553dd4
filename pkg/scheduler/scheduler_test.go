package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/docindexer/pkg/indexer"
	"github.com/ava-labs/docindexer/pkg/metrics"
)

type mockUpdater struct {
	mock.Mock
}

func (m *mockUpdater) Update(ctx context.Context, batchSize int) (int, bool, error) {
	args := m.Called(ctx, batchSize)
	return args.Int(0), args.Bool(1), args.Error(2)
}

type updateFunc func(ctx context.Context, batchSize int) (int, bool, error)

func (f updateFunc) Update(ctx context.Context, batchSize int) (int, bool, error) {
	return f(ctx, batchSize)
}

func testConfig() Config {
	return Config{
		Interval:     10 * time.Millisecond,
		RunTimeout:   time.Second,
		BatchSize:    50,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

// runs returns the scheduled run counter of reg by status.
func runs(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != fmt.Sprintf("%s_%s_runs_total", metrics.Namespace, metrics.Scheduler) {
			continue
		}
		for _, m := range f.GetMetric() {
			out[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	return out
}

func TestStart_RunsAndCancels(t *testing.T) {
	t.Parallel()
	updater := &mockUpdater{}
	called := make(chan struct{}, 2)
	updater.
		On("Update", mock.Anything, 50).
		Run(func(mock.Arguments) {
			select {
			case called <- struct{}{}:
			default:
			}
		}).
		Return(3, true, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, updater, testConfig(), nil, zaptest.NewLogger(t).Sugar())
	}()

	// one run right away, one after the first tick
	for range 2 {
		select {
		case <-called:
		case <-time.After(time.Second):
			require.Fail(t, "timeout waiting for update run")
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for scheduler to exit")
	}
}

func TestStart_RetriesFailedRun(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	calls := 0
	u := updateFunc(func(context.Context, int) (int, bool, error) {
		calls++
		if calls == 1 {
			return 0, false, errors.New("store unavailable")
		}
		cancel()
		return 1, true, nil
	})

	require.NoError(t, Start(ctx, u, testConfig(), m, nil))
	assert.Equal(t, 2, calls)
	assert.Equal(t, map[string]float64{"error": 1, "success": 1}, runs(t, reg))
}

func TestStart_ErrorPropagates(t *testing.T) {
	t.Parallel()
	updater := &mockUpdater{}
	storeErr := errors.New("connection reset")
	updater.On("Update", mock.Anything, 50).Return(0, false, storeErr).Times(4) // initial try + 3 retries

	err := Start(t.Context(), updater, testConfig(), nil, nil)
	require.ErrorIs(t, err, storeErr)
	require.ErrorContains(t, err, "after 4 attempts")
	updater.AssertExpectations(t)
}

func TestStart_PermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	for _, sentinel := range []error{indexer.ErrContractViolation, indexer.ErrUnknownAction, indexer.ErrReservedID} {
		updater := &mockUpdater{}
		cause := fmt.Errorf("definition tags: %w", sentinel)
		updater.On("Update", mock.Anything, 50).Return(0, false, cause).Once()

		err := Start(t.Context(), updater, testConfig(), nil, nil)
		require.ErrorIs(t, err, sentinel)
		updater.AssertExpectations(t)
	}
}

func TestStart_RunTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RunTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 0
	u := updateFunc(func(ctx context.Context, _ int) (int, bool, error) {
		<-ctx.Done()
		return 0, false, ctx.Err()
	})

	err := Start(t.Context(), u, cfg, nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_ImmediateCancel(t *testing.T) {
	t.Parallel()
	updater := &mockUpdater{}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.NoError(t, Start(ctx, updater, DefaultConfig(), nil, nil))
	updater.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestStart_CancelDuringBackoff(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	ctx, cancel := context.WithCancel(t.Context())
	u := updateFunc(func(context.Context, int) (int, bool, error) {
		go cancel()
		return 0, false, errors.New("store unavailable")
	})

	require.NoError(t, Start(ctx, u, cfg, nil, nil))
}

func TestStart_InvalidBatchSize(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BatchSize = 0
	err := Start(t.Context(), &mockUpdater{}, cfg, nil, nil)
	require.ErrorIs(t, err, indexer.ErrInvalidBatchSize)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, time.Minute, cfg.RunTimeout)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 300*time.Millisecond, cfg.RetryBackoff)
}
