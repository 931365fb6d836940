package reconciler_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/reconciler"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

const (
	localAccount   = "0xAAAA000000000000000000000000000000000001"
	foreignAccount = "0xBBBB000000000000000000000000000000000002"
)

type fakeAdapter struct {
	mu sync.Mutex

	state     models.DeviceState
	readErr   error
	reads     int
	origins   map[string]string
	originErr error
	lookups   int
	subErr    error
	handler   remote.EventHandler
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		state:   models.DeviceState{Power: true, Temperature: 22, FanLevel: models.FanLow, Mode: models.ModeHeat},
		origins: make(map[string]string),
	}
}

func (f *fakeAdapter) Account() string { return localAccount }

func (f *fakeAdapter) ReadFields(ctx context.Context, fields ...remote.Field) (remote.FieldValues, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	power := 0
	if f.state.Power {
		power = 1
	}
	values := remote.FieldValues{}
	values[remote.FieldPower], _ = json.Marshal(power)
	values[remote.FieldTemperature], _ = json.Marshal(f.state.Temperature)
	values[remote.FieldFanLevel], _ = json.Marshal(f.state.FanLevel.Index())
	values[remote.FieldMode], _ = json.Marshal(f.state.Mode.Index())
	return values, nil
}

func (f *fakeAdapter) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeAdapter) ReadBalance(ctx context.Context, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeAdapter) EstimateBudget(ctx context.Context, call models.WriteCall, cost *big.Int) (uint64, error) {
	return 0, errors.New("not supported")
}

func (f *fakeAdapter) SubmitWrite(ctx context.Context, call models.WriteCall, cost *big.Int, budget uint64) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeAdapter) AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (*remote.Receipt, error) {
	return nil, errors.New("not supported")
}

func (f *fakeAdapter) ResolveOrigin(ctx context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.originErr != nil {
		return "", f.originErr
	}
	return f.origins[handle], nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, handler remote.EventHandler) (remote.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return &fakeSubscription{adapter: f}, nil
}

type fakeSubscription struct {
	adapter *fakeAdapter
	calls   int
}

func (s *fakeSubscription) Unsubscribe() error {
	s.calls++
	s.adapter.mu.Lock()
	s.adapter.handler = nil
	s.adapter.mu.Unlock()
	return nil
}

type handleSet map[string]bool

func (h handleSet) IsOwnHandle(handle string) bool { return h[handle] }

func raw(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func event(id string, kind models.EventKind, handle string, args ...interface{}) models.RemoteEvent {
	e := models.RemoteEvent{ID: id, Kind: kind, RemoteHandle: handle}
	for _, a := range args {
		e.Args = append(e.Args, raw(a))
	}
	return e
}

type fixture struct {
	adapter *fakeAdapter
	proj    *projection.Projection
	log     *activity.Log
	rec     *reconciler.Reconciler
}

func newFixture(handles reconciler.HandleRegistry) *fixture {
	f := &fixture{
		adapter: newFakeAdapter(),
		proj:    projection.New(models.DeviceState{Power: true, Temperature: 25, FanLevel: models.FanMedium, Mode: models.ModeCool}),
		log:     activity.NewLog(10),
	}
	f.log.SetAccount(localAccount)
	f.rec = reconciler.New(f.adapter, f.proj, f.log, handles, time.Second)
	return f
}

func TestHandleForeignEvent(t *testing.T) {
	f := newFixture(nil)
	f.adapter.origins["0xother"] = foreignAccount

	applied := f.rec.Handle(context.Background(), event("1-1", models.EventTemperatureChanged, "0xother", 21, "too warm"))
	require.True(t, applied)

	assert.Equal(t, 21, f.proj.State().Temperature)
	assert.Equal(t, "foreign", f.proj.Snapshot().Source)

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.SeverityExternal, entries[0].Severity)
	assert.Equal(t, "0xBBBB...0002 set the temperature to 21", entries[0].Message)
	assert.Equal(t, "too warm", entries[0].Annotation)
	assert.Equal(t, foreignAccount, entries[0].OriginAddress)
	assert.False(t, entries[0].IsSelfOriginated)
}

func TestHandleAppliesEachEventOnce(t *testing.T) {
	f := newFixture(nil)
	e := models.RemoteEvent{ID: "9-3", Kind: models.EventModeChanged, Args: []json.RawMessage{raw(1)}, OriginAccount: foreignAccount}

	assert.True(t, f.rec.Handle(context.Background(), e))
	assert.False(t, f.rec.Handle(context.Background(), e))
	assert.Equal(t, 1, f.log.Len())

	// a new connection starts a new scope
	f.rec.Reset()
	assert.True(t, f.rec.Handle(context.Background(), e))
	assert.Equal(t, 2, f.log.Len())
}

func TestHandleSkipsOwnHandle(t *testing.T) {
	f := newFixture(handleSet{"0xmine": true})

	applied := f.rec.Handle(context.Background(), event("1-1", models.EventTemperatureChanged, "0xmine", 19))
	assert.False(t, applied)
	assert.Equal(t, 25, f.proj.State().Temperature)
	assert.Zero(t, f.log.Len())
	assert.Zero(t, f.adapter.lookups, "a registered handle needs no origin lookup")
}

func TestHandleSkipsOwnAccount(t *testing.T) {
	f := newFixture(handleSet{})
	// submitted from another session of the same account
	f.adapter.origins["0xsame"] = "0xaaaa000000000000000000000000000000000001"

	applied := f.rec.Handle(context.Background(), event("1-1", models.EventPowerChanged, "0xsame", false))
	assert.False(t, applied)
	assert.True(t, f.proj.State().Power)
	assert.Zero(t, f.log.Len())
}

func TestHandleUnknownOriginIsForeign(t *testing.T) {
	f := newFixture(nil)
	f.adapter.originErr = remote.NewError(remote.CodeTimedOut, "lookup timed out")

	applied := f.rec.Handle(context.Background(), event("1-1", models.EventFanLevelChanged, "0xwho", "power"))
	require.True(t, applied)
	assert.Equal(t, models.FanHigh, f.proj.State().FanLevel)

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, reconciler.UnknownOrigin, entries[0].OriginAddress)
	assert.Equal(t, "unknown set the fan to high", entries[0].Message)
}

func TestHandleDecodesArgumentForms(t *testing.T) {
	tests := []struct {
		name  string
		event models.RemoteEvent
		check func(t *testing.T, s models.DeviceState)
	}{
		{
			"temperature as numeric string",
			event("a", models.EventTemperatureChanged, "", "19"),
			func(t *testing.T, s models.DeviceState) { assert.Equal(t, 19, s.Temperature) },
		},
		{
			"power as integer",
			event("b", models.EventPowerChanged, "", 0),
			func(t *testing.T, s models.DeviceState) { assert.False(t, s.Power) },
		},
		{
			"mode by name",
			event("c", models.EventModeChanged, "", "heat"),
			func(t *testing.T, s models.DeviceState) { assert.Equal(t, models.ModeHeat, s.Mode) },
		},
		{
			"fan by index",
			event("d", models.EventFanLevelChanged, "", 0),
			func(t *testing.T, s models.DeviceState) { assert.Equal(t, models.FanLow, s.FanLevel) },
		},
		{
			"fan by ledger name",
			event("e", models.EventFanLevelChanged, "", "weak"),
			func(t *testing.T, s models.DeviceState) { assert.Equal(t, models.FanLow, s.FanLevel) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			require.True(t, f.rec.Handle(context.Background(), tt.event))
			tt.check(t, f.proj.State())
			assert.Equal(t, reconciler.UnknownOrigin, f.log.Entries()[0].OriginAddress)
		})
	}
}

func TestHandleDropsMalformedEvents(t *testing.T) {
	f := newFixture(nil)

	assert.False(t, f.rec.Handle(context.Background(), event("1", models.EventTemperatureChanged, "")))
	assert.False(t, f.rec.Handle(context.Background(), event("2", models.EventTemperatureChanged, "", "warm")))
	assert.False(t, f.rec.Handle(context.Background(), event("3", models.EventModeChanged, "", 7)))
	assert.False(t, f.rec.Handle(context.Background(), event("4", models.EventKind("Transfer"), "", 1)))
	assert.Zero(t, f.log.Len())
	assert.Zero(t, f.proj.Snapshot().Version)
}

type panickingRegistry struct{}

func (panickingRegistry) IsOwnHandle(string) bool { panic("registry exploded") }

func TestHandleRecoversFromPanics(t *testing.T) {
	f := newFixture(panickingRegistry{})

	assert.NotPanics(t, func() {
		assert.False(t, f.rec.Handle(context.Background(), event("1", models.EventTemperatureChanged, "0x1", 20)))
	})
}

func TestStartDeliversEventsUntilStopped(t *testing.T) {
	f := newFixture(nil)
	require.NoError(t, f.rec.Start(context.Background()))
	assert.True(t, f.rec.Subscribed())

	f.adapter.mu.Lock()
	handler := f.adapter.handler
	f.adapter.mu.Unlock()
	require.NotNil(t, handler)

	handler(models.RemoteEvent{ID: "1", Kind: models.EventTemperatureChanged, Args: []json.RawMessage{raw(20)}, OriginAccount: foreignAccount})
	assert.Equal(t, 20, f.proj.State().Temperature)

	f.rec.Stop()
	f.rec.Stop()
	assert.False(t, f.rec.Subscribed())
	assert.Nil(t, f.adapter.handler)
}

func TestStartReportsSubscriptionFailure(t *testing.T) {
	f := newFixture(nil)
	f.adapter.subErr = remote.NewError(remote.CodeNetwork, "no responders")

	require.Error(t, f.rec.Start(context.Background()))
	assert.False(t, f.rec.Subscribed())
}
