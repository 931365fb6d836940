package ledgersim_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircon-ledger/aircon-remote/internal/ledgersim"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

const (
	alice = "0xAAAA000000000000000000000000000000000001"
	bob   = "0xBBBB000000000000000000000000000000000002"
)

func newLedger(opts ledgersim.Options) *ledgersim.Ledger {
	if opts.Cost == nil {
		opts.Cost = big.NewInt(10)
	}
	if opts.Balances == nil {
		opts.Balances = map[string]*big.Int{alice: big.NewInt(100)}
	}
	return ledgersim.New(opts)
}

func powerOn() models.WriteCall {
	return models.WriteCall{Method: models.MethodChangeStatus, Value: 1, Annotation: "on"}
}

func TestLedgerAcceptsWriteAndCharges(t *testing.T) {
	l := newLedger(ledgersim.Options{})
	defer l.Close()

	events := make(chan models.RemoteEvent, 1)
	l.SetEventSink(func(e models.RemoteEvent) { events <- e })

	handle, err := l.Submit(alice, powerOn(), big.NewInt(10), 100_000)
	require.NoError(t, err)

	receipt, err := l.Await(context.Background(), handle, time.Second)
	require.NoError(t, err)
	assert.Equal(t, remote.ReceiptAccepted, receipt.Status)
	assert.True(t, l.State().Power)
	assert.Equal(t, int64(90), l.Balance(alice).Int64())

	origin, err := l.Origin(handle)
	require.NoError(t, err)
	assert.Equal(t, alice, origin)

	select {
	case e := <-events:
		assert.Equal(t, models.EventPowerChanged, e.Kind)
		assert.Equal(t, handle, e.RemoteHandle)
		assert.Empty(t, e.OriginAccount)
		require.Len(t, e.Args, 2)
		assert.JSONEq(t, "true", string(e.Args[0]))
		assert.JSONEq(t, `"on"`, string(e.Args[1]))
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestLedgerPaymentChecks(t *testing.T) {
	l := newLedger(ledgersim.Options{Balances: map[string]*big.Int{alice: big.NewInt(100), bob: big.NewInt(5)}})
	defer l.Close()

	_, err := l.Estimate(alice, powerOn(), big.NewInt(9))
	assert.True(t, errors.Is(err, remote.ErrRejected), "underpaid")

	_, err = l.Submit(bob, powerOn(), big.NewInt(10), 100_000)
	assert.True(t, errors.Is(err, remote.ErrInsufficientFunds))

	_, err = l.Submit(alice, powerOn(), big.NewInt(10), 100)
	assert.True(t, errors.Is(err, remote.ErrRejected), "budget below intrinsic")

	budget, err := l.Estimate(alice, powerOn(), big.NewInt(10))
	require.NoError(t, err)
	assert.Greater(t, budget, uint64(0))
}

func TestLedgerTransitionRules(t *testing.T) {
	on := models.DefaultDeviceState()
	on.Power = true
	hot := on
	hot.Temperature = 30

	tests := []struct {
		name    string
		initial models.DeviceState
		call    models.WriteCall
	}{
		{"write while off", models.DefaultDeviceState(), models.WriteCall{Method: models.MethodChangeMode, Value: 1}},
		{"status unchanged", on, powerOn()},
		{"above range", hot, models.WriteCall{Method: models.MethodChangeTemp, Value: models.TempDirectionUp}},
		{"bad fan index", on, models.WriteCall{Method: models.MethodChangePower, Value: 9}},
		{"unknown method", on, models.WriteCall{Method: "selfDestruct"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(ledgersim.Options{Initial: tt.initial})
			defer l.Close()

			_, err := l.Estimate(alice, tt.call, big.NewInt(10))
			assert.True(t, errors.Is(err, remote.ErrRejected))
		})
	}
}

func TestLedgerRevertsWriteInvalidatedBeforeInclusion(t *testing.T) {
	l := newLedger(ledgersim.Options{MiningDelay: 20 * time.Millisecond})
	defer l.Close()

	// two identical writes: both valid on submit, only one on inclusion
	first, err := l.Submit(alice, powerOn(), big.NewInt(10), 100_000)
	require.NoError(t, err)
	second, err := l.Submit(alice, powerOn(), big.NewInt(10), 100_000)
	require.NoError(t, err)

	r1, err := l.Await(context.Background(), first, time.Second)
	require.NoError(t, err)
	r2, err := l.Await(context.Background(), second, time.Second)
	require.NoError(t, err)

	statuses := []remote.ReceiptStatus{r1.Status, r2.Status}
	assert.ElementsMatch(t, []remote.ReceiptStatus{remote.ReceiptAccepted, remote.ReceiptReverted}, statuses)
	assert.Equal(t, int64(90), l.Balance(alice).Int64(), "a reverted write is not charged")
}

func TestLedgerAwaitTimesOut(t *testing.T) {
	l := newLedger(ledgersim.Options{MiningDelay: time.Hour})
	defer l.Close()

	handle, err := l.Submit(alice, powerOn(), big.NewInt(10), 100_000)
	require.NoError(t, err)

	_, err = l.Await(context.Background(), handle, 10*time.Millisecond)
	assert.True(t, errors.Is(err, remote.ErrTimedOut))

	_, err = l.Await(context.Background(), "0xmissing", time.Millisecond)
	assert.True(t, errors.Is(err, remote.ErrRejected))
}

func TestLedgerRead(t *testing.T) {
	l := newLedger(ledgersim.Options{})
	defer l.Close()

	raw, err := l.Read(remote.FieldCost)
	require.NoError(t, err)
	assert.JSONEq(t, "10", string(raw))

	raw, err = l.Read(remote.FieldFanLevel)
	require.NoError(t, err)
	var fan int
	require.NoError(t, json.Unmarshal(raw, &fan))
	assert.Equal(t, models.FanHigh.Index(), fan)

	_, err = l.Read(remote.Field("airconColour"))
	assert.Error(t, err)
}

func TestLocalAdapterReadsState(t *testing.T) {
	l := newLedger(ledgersim.Options{})
	defer l.Close()

	a := ledgersim.NewLocalAdapter(l, alice)
	state, err := remote.ReadState(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultDeviceState(), state)

	l.Credit(alice, big.NewInt(5))
	balance, err := a.ReadBalance(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(105), balance.Int64())
}
