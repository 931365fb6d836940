package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/reconciler"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPollOverwritesProjection(t *testing.T) {
	adapter := newFakeAdapter()
	proj := projection.New(models.DefaultDeviceState())
	p := reconciler.NewPoller(adapter, proj, time.Hour, time.Second)

	var hooked models.DeviceState
	p.OnPoll(func(state models.DeviceState, err error) { hooked = state })

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, adapter.state, proj.State())
	assert.Equal(t, adapter.state, hooked)
	assert.True(t, proj.Snapshot().Synced)
}

func TestPollFailureLeavesProjection(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.readErr = remote.NewError(remote.CodeNetwork, "connection reset")
	proj := projection.New(models.DefaultDeviceState())
	p := reconciler.NewPoller(adapter, proj, time.Hour, time.Second)

	var hookErr error
	p.OnPoll(func(state models.DeviceState, err error) { hookErr = err })

	require.Error(t, p.Poll(context.Background()))
	assert.Error(t, hookErr)
	assert.Equal(t, models.DefaultDeviceState(), proj.State())
	assert.False(t, proj.Snapshot().Synced)
}

func TestPollerStartPollsImmediatelyAndOnTrigger(t *testing.T) {
	adapter := newFakeAdapter()
	p := reconciler.NewPoller(adapter, projection.New(models.DefaultDeviceState()), time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()

	require.Eventually(t, func() bool { return adapter.readCount() == 1 }, time.Second, 5*time.Millisecond)

	p.Trigger()
	require.Eventually(t, func() bool { return adapter.readCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestScheduleRefreshCoalesces(t *testing.T) {
	adapter := newFakeAdapter()
	p := reconciler.NewPoller(adapter, projection.New(models.DefaultDeviceState()), time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()
	require.Eventually(t, func() bool { return adapter.readCount() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		p.ScheduleRefresh(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return adapter.readCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, adapter.readCount())

	cancel()
	<-done
}

func TestScheduleRefreshIgnoredAfterStop(t *testing.T) {
	adapter := newFakeAdapter()
	p := reconciler.NewPoller(adapter, projection.New(models.DefaultDeviceState()), time.Hour, time.Second)

	p.ScheduleRefresh(time.Hour)
	p.Stop()
	p.ScheduleRefresh(time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, adapter.readCount())
}
