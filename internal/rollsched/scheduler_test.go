package rollsched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRoller struct {
	calls atomic.Int32
	err   error
}

func (r *countingRoller) RollAll(ctx context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestStart_InvalidScheduleRejected(t *testing.T) {
	s := New(&countingRoller{}, "not a cron expression")
	err := s.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid roll schedule")
}

func TestStart_EmptyScheduleUsesDefault(t *testing.T) {
	s := New(&countingRoller{}, "")
	require.Equal(t, DefaultSchedule, s.schedule)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestScheduler_FiresRoller(t *testing.T) {
	roller := &countingRoller{}
	s := New(roller, "@every 100ms")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return roller.calls.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_NoFiringAfterCancel(t *testing.T) {
	roller := &countingRoller{}
	s := New(roller, "@every 50ms")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return roller.calls.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(100 * time.Millisecond)
	settled := roller.calls.Load()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, settled, roller.calls.Load())
}

func TestScheduler_KeepsFiringAfterRollerError(t *testing.T) {
	roller := &countingRoller{err: context.DeadlineExceeded}
	s := New(roller, "@every 50ms")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return roller.calls.Load() >= 3
	}, 3*time.Second, 10*time.Millisecond)
}
